package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const responseBodyLimit int64 = 1 << 20

// ClientConfig configures the HTTP side of a remote adapter
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps outbound calls per second; zero disables throttling.
	RPS        float64
	HTTPClient *http.Client
}

// httpClient is the shared transport of remote adapters: one bounded
// attempt per call, no retries, throttled by a token bucket.
type httpClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newHTTPClient(name string, cfg ClientConfig) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &httpClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		limiter: limiter,
		logger:  util.GetLogger(),
	}
}

// get performs one GET with params in the query string
func (c *httpClient) get(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	return c.call(ctx, op, http.MethodGet, path, params)
}

// postForm performs one POST with params as a url-encoded form
func (c *httpClient) postForm(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	return c.call(ctx, op, http.MethodPost, path, params)
}

// call returns the raw body of a 200 response. Anything else is ErrUnavailable.
func (c *httpClient) call(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	ctx, span := util.StartSpan(ctx, "provider."+c.name+"."+op,
		attribute.String("provider", c.name))
	defer span.End()

	start := time.Now()
	body, err := c.do(ctx, method, path, params)
	util.ProviderLatency.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())

	if err != nil {
		util.RecordError(span, err)
		util.ProviderRequestsTotal.WithLabelValues(c.name, op, "error").Inc()
		c.logger.Warn("Provider call failed",
			zap.String("provider", c.name),
			zap.String("op", op),
			zap.Error(err))
		return nil, err
	}

	util.ProviderRequestsTotal.WithLabelValues(c.name, op, "ok").Inc()
	return body, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s throttled: %v", ErrUnavailable, c.name, err)
	}

	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s request: %v", ErrUnavailable, c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnavailable, c.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s status %d: %s", ErrUnavailable, c.name, resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
