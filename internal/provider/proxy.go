package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"

	"github.com/shopspring/decimal"
)

const (
	defaultProxyPeriodDays = 30
	defaultProxyVersion    = "6"
)

// ProxyAdapter buys proxy grants from a px6-style reseller API. Grants are
// usable immediately, so every grant is recorded as a completed lease that the
// UI can list until it expires.
type ProxyAdapter struct {
	client *httpClient
	apiKey string
}

// NewProxyAdapter creates a new proxy adapter
func NewProxyAdapter(cfg ClientConfig) *ProxyAdapter {
	return &ProxyAdapter{client: newHTTPClient("proxy", cfg), apiKey: cfg.APIKey}
}

func (a *ProxyAdapter) Kind() models.FulfillmentKind {
	return models.KindProxy
}

type proxyEnvelope struct {
	Status  string `json:"status"`
	ErrorID int    `json:"error_id"`
	Error   string `json:"error"`
}

type proxyGrant struct {
	ID          string `json:"id"`
	Host        string `json:"host"`
	Port        string `json:"port"`
	User        string `json:"user"`
	Pass        string `json:"pass"`
	Type        string `json:"type"`
	UnixtimeEnd int64  `json:"unixtime_end"`
}

type proxyBuyResponse struct {
	proxyEnvelope
	OrderID json.Number           `json:"order_id"`
	List    map[string]proxyGrant `json:"list"`
}

type proxyCountResponse struct {
	proxyEnvelope
	Count int `json:"count"`
}

type proxyPriceResponse struct {
	proxyEnvelope
	PriceSingle json.Number `json:"price_single"`
}

func (a *ProxyAdapter) methodPath(method string) string {
	return fmt.Sprintf("api/%s/%s", url.PathEscape(a.apiKey), method)
}

func (a *ProxyAdapter) call(ctx context.Context, method string, params url.Values, dst interface{ envelope() proxyEnvelope }) error {
	body, err := a.client.get(ctx, method, a.methodPath(method), params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decode proxy %s response: %v", ErrUnavailable, method, err)
	}
	if env := dst.envelope(); env.Status != "yes" {
		return fmt.Errorf("%w: proxy %s rejected (%d): %s", ErrUnavailable, method, env.ErrorID, env.Error)
	}
	return nil
}

func (e proxyEnvelope) envelope() proxyEnvelope { return e }

func proxyVersion(req AcquireRequest) string {
	if v := strings.TrimSpace(req.ProviderRef); v != "" {
		return v
	}
	return defaultProxyVersion
}

func proxyPeriod(req AcquireRequest) int {
	if req.Options.DurationDays > 0 {
		return req.Options.DurationDays
	}
	return defaultProxyPeriodDays
}

// Acquire buys Quantity proxies with the line's country, duration and protocol
func (a *ProxyAdapter) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	country := strings.ToLower(strings.TrimSpace(req.Options.Country))
	if country == "" {
		return nil, fmt.Errorf("%w: proxy country is required", ErrUnavailable)
	}

	params := url.Values{}
	params.Set("count", strconv.Itoa(req.Quantity))
	params.Set("period", strconv.Itoa(proxyPeriod(req)))
	params.Set("country", country)
	params.Set("version", proxyVersion(req))
	if p := strings.ToLower(req.Options.Protocol); p == "http" || p == "socks" {
		params.Set("type", p)
	}
	params.Set("descr", fmt.Sprintf("order-%d", req.OrderID))

	var resp proxyBuyResponse
	if err := a.call(ctx, "buy", params, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.List))
	for id := range resp.List {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		x, _ := strconv.ParseInt(ids[i], 10, 64)
		y, _ := strconv.ParseInt(ids[j], 10, 64)
		return x < y
	})

	result := &AcquireResult{}
	for _, id := range ids {
		grant := resp.List[id]
		credentials := fmt.Sprintf("%s:%s:%s:%s", grant.Host, grant.Port, grant.User, grant.Pass)

		var expiresAt *time.Time
		if grant.UnixtimeEnd > 0 {
			t := time.Unix(grant.UnixtimeEnd, 0).UTC()
			expiresAt = &t
		}

		result.Lines = append(result.Lines, credentials)
		result.Leases = append(result.Leases, LeaseGrant{
			ProviderRef: id,
			Status:      models.LeaseCompleted,
			Price:       req.UnitPrice,
			ExpiresAt:   expiresAt,
			Payload:     models.LeasePayload{Credentials: credentials},
		})
		result.Delivered++
	}

	if result.Delivered > req.Quantity {
		result.Delivered = req.Quantity
	}
	result.Shortfall = req.Quantity - result.Delivered
	return result, nil
}

// Available asks the reseller how many proxies of the line's kind are in stock
// and what one costs for the requested period
func (a *ProxyAdapter) Available(ctx context.Context, req AcquireRequest) (*Availability, error) {
	countParams := url.Values{}
	countParams.Set("country", strings.ToLower(req.Options.Country))
	countParams.Set("version", proxyVersion(req))

	var count proxyCountResponse
	if err := a.call(ctx, "getcount", countParams, &count); err != nil {
		return nil, err
	}

	priceParams := url.Values{}
	priceParams.Set("count", strconv.Itoa(max(req.Quantity, 1)))
	priceParams.Set("period", strconv.Itoa(proxyPeriod(req)))
	priceParams.Set("version", proxyVersion(req))

	var price proxyPriceResponse
	if err := a.call(ctx, "getprice", priceParams, &price); err != nil {
		return nil, err
	}

	single, err := decimal.NewFromString(price.PriceSingle.String())
	if err != nil {
		return nil, fmt.Errorf("%w: proxy price %q: %v", ErrUnavailable, price.PriceSingle, err)
	}

	return &Availability{Count: count.Count, Price: money.ToMinor(single)}, nil
}
