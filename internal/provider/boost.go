package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"

	"github.com/shopspring/decimal"
)

const boostAPIPath = "api/v2"

// ErrUnsupportedAction is returned for lease actions a provider has no notion of
var ErrUnsupportedAction = errors.New("action not supported by provider")

// BoostAdapter places social-media engagement orders on an SMM panel (API v2).
// Each line becomes one panel order tracked as a lease until the panel
// reports it finished.
type BoostAdapter struct {
	client *httpClient
	apiKey string
}

// NewBoostAdapter creates a new boost adapter
func NewBoostAdapter(cfg ClientConfig) *BoostAdapter {
	return &BoostAdapter{client: newHTTPClient("boost", cfg), apiKey: cfg.APIKey}
}

func (a *BoostAdapter) Kind() models.FulfillmentKind {
	return models.KindSocialBoost
}

func (a *BoostAdapter) action(ctx context.Context, action string, params url.Values, dst interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", a.apiKey)
	params.Set("action", action)

	body, err := a.client.postForm(ctx, action, boostAPIPath, params)
	if err != nil {
		return err
	}

	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
		return fmt.Errorf("%w: boost %s: %s", ErrUnavailable, action, failure.Error)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decode boost %s response: %v", ErrUnavailable, action, err)
	}
	return nil
}

// parseBoostRef splits "service" or "service:amount" where amount is how many
// engagements one unit of the product stands for
func parseBoostRef(ref string) (string, int) {
	service, amount, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok {
		return service, 1
	}
	n, err := strconv.Atoi(amount)
	if err != nil || n < 1 {
		return service, 1
	}
	return service, n
}

// Acquire places one panel order for the whole line
func (a *BoostAdapter) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	link := strings.TrimSpace(req.Options.Link)
	if link == "" {
		return nil, fmt.Errorf("%w: boost link is required", ErrUnavailable)
	}

	service, perUnit := parseBoostRef(req.ProviderRef)
	if service == "" && req.Options.Service != "" {
		service = req.Options.Service
	}
	quantity := perUnit * req.Quantity

	params := url.Values{}
	params.Set("service", service)
	params.Set("link", link)
	params.Set("quantity", strconv.Itoa(quantity))

	var resp struct {
		Order json.Number `json:"order"`
	}
	if err := a.action(ctx, "add", params, &resp); err != nil {
		return nil, err
	}
	if resp.Order == "" {
		return nil, fmt.Errorf("%w: boost add returned no order id", ErrUnavailable)
	}

	return &AcquireResult{
		Async: true,
		Lines: []string{fmt.Sprintf("🚀 %s: %d for %s (panel order %s), in progress", req.ProductName, quantity, link, resp.Order)},
		Leases: []LeaseGrant{{
			ProviderRef: resp.Order.String(),
			Status:      models.LeaseWaiting,
			Price:       req.UnitPrice * int64(req.Quantity),
			Payload:     models.LeasePayload{Link: link, Quantity: quantity},
		}},
	}, nil
}

// Status maps panel order states: Completed and Partial finish the lease
// without refund, Canceled cancels it with refund.
func (a *BoostAdapter) Status(ctx context.Context, lease *models.LeasedResource) (*StatusReport, error) {
	params := url.Values{}
	params.Set("order", lease.ProviderRef)

	var resp struct {
		Status     string      `json:"status"`
		StartCount json.Number `json:"start_count"`
		Remains    json.Number `json:"remains"`
	}
	if err := a.action(ctx, "status", params, &resp); err != nil {
		return nil, err
	}

	report := &StatusReport{Status: lease.Status, Payload: lease.Payload}
	if n, err := resp.StartCount.Int64(); err == nil {
		report.Payload.StartCount = int(n)
	}
	if n, err := resp.Remains.Int64(); err == nil {
		report.Payload.Remains = int(n)
	}

	switch strings.ToLower(resp.Status) {
	case "pending", "in progress", "processing":
	case "completed", "partial":
		report.Status = models.LeaseCompleted
	case "canceled", "cancelled":
		report.Status = models.LeaseCancelled
	default:
		return nil, fmt.Errorf("%w: boost status %q", ErrUnavailable, resp.Status)
	}
	return report, nil
}

// Cancel asks the panel to cancel the order
func (a *BoostAdapter) Cancel(ctx context.Context, lease *models.LeasedResource) error {
	params := url.Values{}
	params.Set("orders", lease.ProviderRef)

	var resp []struct {
		Order  json.Number     `json:"order"`
		Cancel json.RawMessage `json:"cancel"`
	}
	if err := a.action(ctx, "cancel", params, &resp); err != nil {
		return err
	}

	for _, r := range resp {
		if r.Order.String() != lease.ProviderRef {
			continue
		}
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(r.Cancel, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("%w: boost cancel: %s", ErrUnavailable, failure.Error)
		}
		return nil
	}
	return fmt.Errorf("%w: boost cancel: order %s missing from response", ErrUnavailable, lease.ProviderRef)
}

func (a *BoostAdapter) SetReady(context.Context, *models.LeasedResource) error {
	return ErrUnsupportedAction
}

func (a *BoostAdapter) RequestRetry(context.Context, *models.LeasedResource) error {
	return ErrUnsupportedAction
}

// Complete needs no panel call; the panel finishes orders on its own
func (a *BoostAdapter) Complete(context.Context, *models.LeasedResource) error {
	return nil
}

// Available reads the service's maximum order size and rate per 1000
func (a *BoostAdapter) Available(ctx context.Context, req AcquireRequest) (*Availability, error) {
	service, perUnit := parseBoostRef(req.ProviderRef)

	var services []struct {
		Service json.Number `json:"service"`
		Rate    json.Number `json:"rate"`
		Max     json.Number `json:"max"`
	}
	if err := a.action(ctx, "services", nil, &services); err != nil {
		return nil, err
	}

	for _, s := range services {
		if s.Service.String() != service {
			continue
		}
		maxQty, _ := s.Max.Int64()
		rate, err := decimal.NewFromString(s.Rate.String())
		if err != nil {
			return nil, fmt.Errorf("%w: boost rate %q: %v", ErrUnavailable, s.Rate, err)
		}
		unitPrice := rate.Mul(decimal.NewFromInt(int64(perUnit))).Div(decimal.NewFromInt(1000))
		return &Availability{Count: int(maxQty) / perUnit, Price: money.ToMinor(unitPrice)}, nil
	}
	return &Availability{}, nil
}
