package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	mu       sync.Mutex
	items    []models.InventoryItem
	reserved []models.InventoryItem
	err      error
}

func (f *fakeClaimer) Reserved(context.Context, int64, int64) ([]models.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserved, nil
}

func (f *fakeClaimer) Claim(_ context.Context, _, userID, orderID int64) (*models.InventoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) == 0 {
		return nil, nil
	}
	item := f.items[0]
	f.items = f.items[1:]
	item.Sold = true
	item.SoldTo = &userID
	item.SoldOrderID = &orderID
	return &item, nil
}

func (f *fakeClaimer) Available(context.Context, int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), nil
}

func testConfig(baseURL string) ClientConfig {
	return ClientConfig{BaseURL: baseURL, APIKey: "secret", Timeout: time.Second}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(NewLocalItemAdapter(&fakeClaimer{}), NewManualAdapter(), NewSMSAdapter(testConfig("http://unused")))

	a, err := registry.Get(models.KindLocalItem)
	require.NoError(t, err)
	assert.Equal(t, models.KindLocalItem, a.Kind())

	_, err = registry.Get(models.KindProxy)
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = registry.Lease(models.KindManualCredit)
	assert.True(t, errors.Is(err, ErrNotLeasing))

	la, err := registry.Lease(models.KindSMSNumber)
	require.NoError(t, err)
	assert.Equal(t, models.KindSMSNumber, la.Kind())

	_, ok := registry.Availability(models.KindLocalItem)
	assert.True(t, ok)
	_, ok = registry.Availability(models.KindManualCredit)
	assert.False(t, ok)
}

func TestLocalItemAdapterShortfall(t *testing.T) {
	file := "key.txt"
	claimer := &fakeClaimer{items: []models.InventoryItem{
		{ID: 1, Content: "KEY-1"},
		{ID: 2, Content: "KEY-2", FileName: &file},
	}}
	adapter := NewLocalItemAdapter(claimer)

	result, err := adapter.Acquire(context.Background(), AcquireRequest{ProductID: 1, UserID: 9, OrderID: 3, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Shortfall)
	assert.Equal(t, []string{"KEY-1"}, result.Lines)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "key.txt", result.Files[0].Name)
	assert.Equal(t, []byte("KEY-2"), result.Files[0].Content)
	assert.False(t, result.Async)
}

func TestLocalItemAdapterDeliversReservedFirst(t *testing.T) {
	claimer := &fakeClaimer{
		reserved: []models.InventoryItem{{ID: 4, Content: "RESERVED-1"}},
		items:    []models.InventoryItem{{ID: 5, Content: "FRESH-1"}, {ID: 6, Content: "FRESH-2"}},
	}
	adapter := NewLocalItemAdapter(claimer)

	result, err := adapter.Acquire(context.Background(), AcquireRequest{ProductID: 1, OrderID: 3, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"RESERVED-1", "FRESH-1"}, result.Lines)
	assert.Zero(t, result.Shortfall)

	n, err := claimer.Available(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocalItemAdapterClaimError(t *testing.T) {
	adapter := NewLocalItemAdapter(&fakeClaimer{err: errors.New("db down")})
	result, err := adapter.Acquire(context.Background(), AcquireRequest{Quantity: 1})
	assert.Error(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.Delivered)
}

func TestManualAdapter(t *testing.T) {
	result, err := NewManualAdapter().Acquire(context.Background(), AcquireRequest{ProductName: "Credit", Quantity: 2})
	require.NoError(t, err)
	assert.True(t, result.Manual)
	assert.Len(t, result.Lines, 1)
}

func TestProxyAdapterAcquire(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/secret/buy", r.URL.Path)
		got = r.URL.Query()
		fmt.Fprint(w, `{"status":"yes","order_id":77,"count":2,"list":{
			"15":{"id":"15","host":"10.0.0.2","port":"8001","user":"u2","pass":"p2","type":"http","unixtime_end":1900000000},
			"9":{"id":"9","host":"10.0.0.1","port":"8000","user":"u1","pass":"p1","type":"http","unixtime_end":1900000000}}}`)
	}))
	defer srv.Close()

	adapter := NewProxyAdapter(testConfig(srv.URL))
	result, err := adapter.Acquire(context.Background(), AcquireRequest{
		OrderID: 5, Quantity: 2, UnitPrice: 300,
		Options: models.LineOptions{Country: "DE", DurationDays: 7, Protocol: "socks"},
	})
	require.NoError(t, err)

	assert.Equal(t, "2", got.Get("count"))
	assert.Equal(t, "7", got.Get("period"))
	assert.Equal(t, "de", got.Get("country"))
	assert.Equal(t, "socks", got.Get("type"))
	assert.Equal(t, "6", got.Get("version"))

	assert.Equal(t, 2, result.Delivered)
	assert.Zero(t, result.Shortfall)
	assert.Equal(t, []string{"10.0.0.1:8000:u1:p1", "10.0.0.2:8001:u2:p2"}, result.Lines)
	require.Len(t, result.Leases, 2)
	assert.Equal(t, models.LeaseCompleted, result.Leases[0].Status)
	assert.Equal(t, "9", result.Leases[0].ProviderRef)
	require.NotNil(t, result.Leases[0].ExpiresAt)
}

func TestProxyAdapterRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"no","error_id":400,"error":"Error no money"}`)
	}))
	defer srv.Close()

	_, err := NewProxyAdapter(testConfig(srv.URL)).Acquire(context.Background(), AcquireRequest{
		Quantity: 1, Options: models.LineOptions{Country: "ru"},
	})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "no money")
}

func TestProxyAdapterAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/secret/getcount":
			fmt.Fprint(w, `{"status":"yes","count":971}`)
		case "/api/secret/getprice":
			fmt.Fprint(w, `{"status":"yes","price":12.6,"price_single":0.42}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	avail, err := NewProxyAdapter(testConfig(srv.URL)).Available(context.Background(), AcquireRequest{
		Quantity: 30, Options: models.LineOptions{Country: "ru"},
	})
	require.NoError(t, err)
	assert.Equal(t, 971, avail.Count)
	assert.Equal(t, int64(42), avail.Price)
}

func TestHTTPErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewProxyAdapter(testConfig(srv.URL)).Acquire(context.Background(), AcquireRequest{
		Quantity: 1, Options: models.LineOptions{Country: "ru"},
	})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	_, err := NewSMSAdapter(cfg).Acquire(context.Background(), AcquireRequest{Quantity: 1, ProviderRef: "tg"})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func smsServer(t *testing.T, responses map[string]string, calls *[]url.Values) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stubs/handler_api.php", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "secret", q.Get("api_key"))

		mu.Lock()
		if calls != nil {
			*calls = append(*calls, q)
		}
		mu.Unlock()

		key := q.Get("action")
		if s := q.Get("status"); s != "" {
			key += ":" + s
		}
		fmt.Fprint(w, responses[key])
	}))
}

func TestSMSAdapterAcquire(t *testing.T) {
	var calls []url.Values
	srv := smsServer(t, map[string]string{"getNumber": "ACCESS_NUMBER:123456:79001234567"}, &calls)
	defer srv.Close()

	result, err := NewSMSAdapter(testConfig(srv.URL)).Acquire(context.Background(), AcquireRequest{
		Quantity: 2, UnitPrice: 6000, ProviderRef: "tg", Options: models.LineOptions{Country: "6"},
	})
	require.NoError(t, err)
	assert.True(t, result.Async)
	require.Len(t, result.Leases, 2)
	assert.Equal(t, models.LeaseWaiting, result.Leases[0].Status)
	assert.Equal(t, "123456", result.Leases[0].ProviderRef)
	assert.Equal(t, "79001234567", result.Leases[0].Payload.Phone)
	assert.Equal(t, int64(6000), result.Leases[0].Price)

	require.Len(t, calls, 2)
	assert.Equal(t, "tg", calls[0].Get("service"))
	assert.Equal(t, "6", calls[0].Get("country"))
}

func TestSMSAdapterNoNumbers(t *testing.T) {
	srv := smsServer(t, map[string]string{"getNumber": "NO_NUMBERS"}, nil)
	defer srv.Close()

	result, err := NewSMSAdapter(testConfig(srv.URL)).Acquire(context.Background(), AcquireRequest{Quantity: 1, ProviderRef: "tg"})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Nil(t, result)
}

func TestSMSAdapterStatusMapping(t *testing.T) {
	cases := []struct {
		response string
		status   models.LeaseStatus
		code     string
	}{
		{"STATUS_WAIT_CODE", models.LeaseWaiting, ""},
		{"STATUS_WAIT_RESEND", models.LeaseRetry, ""},
		{"STATUS_WAIT_RETRY:11111", models.LeaseRetry, "11111"},
		{"STATUS_OK:54321", models.LeaseCodeReceived, "54321"},
		{"STATUS_CANCEL", models.LeaseCancelled, ""},
	}

	for _, tc := range cases {
		t.Run(tc.response, func(t *testing.T) {
			srv := smsServer(t, map[string]string{"getStatus": tc.response}, nil)
			defer srv.Close()

			lease := &models.LeasedResource{ProviderRef: "1", Status: models.LeaseWaiting}
			report, err := NewSMSAdapter(testConfig(srv.URL)).Status(context.Background(), lease)
			require.NoError(t, err)
			assert.Equal(t, tc.status, report.Status)
			assert.Equal(t, tc.code, report.Payload.Code)
		})
	}

	srv := smsServer(t, map[string]string{"getStatus": "BAD_KEY"}, nil)
	defer srv.Close()
	_, err := NewSMSAdapter(testConfig(srv.URL)).Status(context.Background(), &models.LeasedResource{ProviderRef: "1"})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestSMSAdapterSetStatus(t *testing.T) {
	srv := smsServer(t, map[string]string{
		"setStatus:1": "ACCESS_READY",
		"setStatus:3": "ACCESS_RETRY_GET",
		"setStatus:6": "ACCESS_ACTIVATION",
		"setStatus:8": "EARLY_CANCEL_DENIED",
	}, nil)
	defer srv.Close()

	adapter := NewSMSAdapter(testConfig(srv.URL))
	lease := &models.LeasedResource{ProviderRef: "1"}
	ctx := context.Background()

	assert.NoError(t, adapter.SetReady(ctx, lease))
	assert.NoError(t, adapter.RequestRetry(ctx, lease))
	assert.NoError(t, adapter.Complete(ctx, lease))

	err := adapter.Cancel(ctx, lease)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "EARLY_CANCEL_DENIED")
}

func TestSMSAdapterAvailable(t *testing.T) {
	srv := smsServer(t, map[string]string{"getPrices": `{"6":{"tg":{"cost":"12.50","count":40}}}`}, nil)
	defer srv.Close()

	avail, err := NewSMSAdapter(testConfig(srv.URL)).Available(context.Background(), AcquireRequest{
		ProviderRef: "tg", Options: models.LineOptions{Country: "6"},
	})
	require.NoError(t, err)
	assert.Equal(t, 40, avail.Count)
	assert.Equal(t, int64(1250), avail.Price)
}

func boostServer(t *testing.T, handle func(form url.Values) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "secret", r.PostForm.Get("key"))
		fmt.Fprint(w, handle(r.PostForm))
	}))
}

func TestBoostAdapterAcquire(t *testing.T) {
	var form url.Values
	srv := boostServer(t, func(f url.Values) string {
		form = f
		return `{"order":23501}`
	})
	defer srv.Close()

	result, err := NewBoostAdapter(testConfig(srv.URL)).Acquire(context.Background(), AcquireRequest{
		ProductName: "Followers", ProviderRef: "12:100", Quantity: 3, UnitPrice: 250,
		Options: models.LineOptions{Link: "https://example.com/u/me"},
	})
	require.NoError(t, err)

	assert.Equal(t, "add", form.Get("action"))
	assert.Equal(t, "12", form.Get("service"))
	assert.Equal(t, "300", form.Get("quantity"))

	assert.True(t, result.Async)
	require.Len(t, result.Leases, 1)
	assert.Equal(t, "23501", result.Leases[0].ProviderRef)
	assert.Equal(t, int64(750), result.Leases[0].Price)
	assert.Equal(t, 300, result.Leases[0].Payload.Quantity)
}

func TestBoostAdapterRequiresLink(t *testing.T) {
	_, err := NewBoostAdapter(testConfig("http://unused")).Acquire(context.Background(), AcquireRequest{Quantity: 1})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestBoostAdapterStatus(t *testing.T) {
	cases := map[string]models.LeaseStatus{
		"Pending":     models.LeaseWaiting,
		"In progress": models.LeaseWaiting,
		"Completed":   models.LeaseCompleted,
		"Partial":     models.LeaseCompleted,
		"Canceled":    models.LeaseCancelled,
	}

	for panelStatus, want := range cases {
		t.Run(panelStatus, func(t *testing.T) {
			srv := boostServer(t, func(url.Values) string {
				return fmt.Sprintf(`{"charge":"0.27","start_count":"3572","status":%q,"remains":"157","currency":"USD"}`, panelStatus)
			})
			defer srv.Close()

			lease := &models.LeasedResource{ProviderRef: "23501", Status: models.LeaseWaiting}
			report, err := NewBoostAdapter(testConfig(srv.URL)).Status(context.Background(), lease)
			require.NoError(t, err)
			assert.Equal(t, want, report.Status)
			assert.Equal(t, 3572, report.Payload.StartCount)
			assert.Equal(t, 157, report.Payload.Remains)
		})
	}
}

func TestBoostAdapterCancel(t *testing.T) {
	srv := boostServer(t, func(f url.Values) string {
		assert.Equal(t, "cancel", f.Get("action"))
		if f.Get("orders") == "1" {
			return `[{"order":1,"cancel":1}]`
		}
		return `[{"order":2,"cancel":{"error":"Incorrect order ID"}}]`
	})
	defer srv.Close()

	adapter := NewBoostAdapter(testConfig(srv.URL))
	assert.NoError(t, adapter.Cancel(context.Background(), &models.LeasedResource{ProviderRef: "1"}))

	err := adapter.Cancel(context.Background(), &models.LeasedResource{ProviderRef: "2"})
	assert.True(t, errors.Is(err, ErrUnavailable))

	assert.True(t, errors.Is(adapter.SetReady(context.Background(), nil), ErrUnsupportedAction))
}

func TestBoostAdapterAPIError(t *testing.T) {
	srv := boostServer(t, func(url.Values) string { return `{"error":"Not enough funds on balance"}` })
	defer srv.Close()

	_, err := NewBoostAdapter(testConfig(srv.URL)).Acquire(context.Background(), AcquireRequest{
		ProviderRef: "1", Quantity: 1, Options: models.LineOptions{Link: "x"},
	})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "Not enough funds")
}

func TestRateLimiterThrottles(t *testing.T) {
	srv := smsServer(t, map[string]string{"getStatus": "STATUS_WAIT_CODE"}, nil)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RPS = 20
	adapter := NewSMSAdapter(cfg)
	lease := &models.LeasedResource{ProviderRef: "1", Status: models.LeaseWaiting}

	start := time.Now()
	for i := 0; i < 25; i++ {
		_, err := adapter.Status(context.Background(), lease)
		require.NoError(t, err)
	}
	// burst of 20, then 5 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
