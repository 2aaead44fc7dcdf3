package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"

	"github.com/shopspring/decimal"
)

const smsHandlerPath = "stubs/handler_api.php"

// setStatus codes of the activation protocol
const (
	smsStatusReady    = 1
	smsStatusRetry    = 3
	smsStatusComplete = 6
	smsStatusCancel   = 8
)

// SMSAdapter rents phone numbers for one-time codes from an sms-activate
// style API. Each number is a lease that the monitor polls until a code
// arrives or the activation ends.
type SMSAdapter struct {
	client *httpClient
	apiKey string
}

// NewSMSAdapter creates a new SMS adapter
func NewSMSAdapter(cfg ClientConfig) *SMSAdapter {
	return &SMSAdapter{client: newHTTPClient("sms", cfg), apiKey: cfg.APIKey}
}

func (a *SMSAdapter) Kind() models.FulfillmentKind {
	return models.KindSMSNumber
}

func (a *SMSAdapter) action(ctx context.Context, action string, params url.Values) (string, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", a.apiKey)
	params.Set("action", action)

	body, err := a.client.get(ctx, action, smsHandlerPath, params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func smsCountry(req AcquireRequest) string {
	if c := strings.TrimSpace(req.Options.Country); c != "" {
		return c
	}
	return "0"
}

func smsService(req AcquireRequest) string {
	if s := strings.TrimSpace(req.Options.Service); s != "" {
		return s
	}
	return req.ProviderRef
}

// Acquire rents one number per unit. A failure after some numbers were rented
// returns the partial result together with the error.
func (a *SMSAdapter) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	result := &AcquireResult{}

	for i := 0; i < req.Quantity; i++ {
		id, phone, err := a.getNumber(ctx, smsService(req), smsCountry(req))
		if err != nil {
			result.Shortfall = req.Quantity - len(result.Leases)
			if len(result.Leases) == 0 {
				return nil, err
			}
			return result, err
		}

		result.Lines = append(result.Lines, fmt.Sprintf("📱 +%s (activation %s), waiting for the code", phone, id))
		result.Leases = append(result.Leases, LeaseGrant{
			ProviderRef: id,
			Status:      models.LeaseWaiting,
			Price:       req.UnitPrice,
			Payload:     models.LeasePayload{Phone: phone},
		})
	}

	result.Async = len(result.Leases) > 0
	return result, nil
}

func (a *SMSAdapter) getNumber(ctx context.Context, service, country string) (string, string, error) {
	params := url.Values{}
	params.Set("service", service)
	params.Set("country", country)

	resp, err := a.action(ctx, "getNumber", params)
	if err != nil {
		return "", "", err
	}

	// ACCESS_NUMBER:$id:$phone
	parts := strings.SplitN(resp, ":", 3)
	if len(parts) != 3 || parts[0] != "ACCESS_NUMBER" {
		return "", "", fmt.Errorf("%w: sms getNumber: %s", ErrUnavailable, truncate(resp, 100))
	}
	return parts[1], parts[2], nil
}

// Status maps the activation status onto the lease state machine. A status
// with no news reports the lease's current state.
func (a *SMSAdapter) Status(ctx context.Context, lease *models.LeasedResource) (*StatusReport, error) {
	params := url.Values{}
	params.Set("id", lease.ProviderRef)

	resp, err := a.action(ctx, "getStatus", params)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Status: lease.Status, Payload: lease.Payload}
	code, value, _ := strings.Cut(resp, ":")

	switch code {
	case "STATUS_WAIT_CODE":
	case "STATUS_WAIT_RESEND":
		report.Status = models.LeaseRetry
	case "STATUS_WAIT_RETRY":
		report.Status = models.LeaseRetry
		if value != "" {
			report.Payload.Code = value
		}
	case "STATUS_OK":
		report.Status = models.LeaseCodeReceived
		report.Payload.Code = value
	case "STATUS_CANCEL":
		report.Status = models.LeaseCancelled
	default:
		return nil, fmt.Errorf("%w: sms getStatus: %s", ErrUnavailable, truncate(resp, 100))
	}
	return report, nil
}

func (a *SMSAdapter) setStatus(ctx context.Context, lease *models.LeasedResource, status int, accepted ...string) error {
	params := url.Values{}
	params.Set("id", lease.ProviderRef)
	params.Set("status", strconv.Itoa(status))

	resp, err := a.action(ctx, "setStatus", params)
	if err != nil {
		return err
	}
	for _, ok := range accepted {
		if resp == ok {
			return nil
		}
	}
	return fmt.Errorf("%w: sms setStatus %d: %s", ErrUnavailable, status, truncate(resp, 100))
}

// SetReady tells the provider the code was requested on the target service
func (a *SMSAdapter) SetReady(ctx context.Context, lease *models.LeasedResource) error {
	return a.setStatus(ctx, lease, smsStatusReady, "ACCESS_READY")
}

// RequestRetry asks for another code on the same number
func (a *SMSAdapter) RequestRetry(ctx context.Context, lease *models.LeasedResource) error {
	return a.setStatus(ctx, lease, smsStatusRetry, "ACCESS_RETRY_GET")
}

// Complete finishes the activation
func (a *SMSAdapter) Complete(ctx context.Context, lease *models.LeasedResource) error {
	return a.setStatus(ctx, lease, smsStatusComplete, "ACCESS_ACTIVATION")
}

// Cancel releases the number. An activation the provider already cancelled
// counts as cancelled.
func (a *SMSAdapter) Cancel(ctx context.Context, lease *models.LeasedResource) error {
	return a.setStatus(ctx, lease, smsStatusCancel, "ACCESS_CANCEL", "ACCESS_CANCEL_ALREADY")
}

// Available reports how many numbers the provider has for the line's service
// and country and what one costs
func (a *SMSAdapter) Available(ctx context.Context, req AcquireRequest) (*Availability, error) {
	params := url.Values{}
	params.Set("service", smsService(req))
	params.Set("country", smsCountry(req))

	resp, err := a.action(ctx, "getPrices", params)
	if err != nil {
		return nil, err
	}

	// {"<country>":{"<service>":{"cost":4,"count":1234}}}
	var prices map[string]map[string]struct {
		Cost  json.Number `json:"cost"`
		Count int         `json:"count"`
	}
	if err := json.Unmarshal([]byte(resp), &prices); err != nil {
		return nil, fmt.Errorf("%w: sms getPrices: %s", ErrUnavailable, truncate(resp, 100))
	}

	entry, ok := prices[smsCountry(req)][smsService(req)]
	if !ok {
		return &Availability{}, nil
	}

	cost, err := decimal.NewFromString(entry.Cost.String())
	if err != nil {
		return nil, fmt.Errorf("%w: sms cost %q: %v", ErrUnavailable, entry.Cost, err)
	}
	return &Availability{Count: entry.Count, Price: money.ToMinor(cost)}, nil
}
