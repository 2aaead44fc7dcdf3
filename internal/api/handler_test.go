package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/notifier"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAuth  = AuthConfig{Secret: "test-secret", Issuer: "storefront"}
	adminUser = service.Actor{UserID: 1, Role: service.RoleAdmin}
	buyer     = service.Actor{UserID: 100, Role: service.RoleUser}
	stranger  = service.Actor{UserID: 200, Role: service.RoleUser}
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router *gin.Engine
	store  *store.Store
	t      *testing.T
}

func newTestServer(t *testing.T, deps map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewStore("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Migrate(context.Background())
	require.NoError(t, err)

	limits, err := money.NewLimits("1000000")
	require.NoError(t, err)

	inventory := service.NewInventoryService(st)
	registry := provider.NewRegistry(provider.NewLocalItemAdapter(inventory), provider.NewManualAdapter())
	n := notifier.NewLogNotifier()
	dispatcher := service.NewDispatcher(st, registry, n, nil, service.DispatchConfig{})
	promos := service.NewPromoService(map[string]int{"HALF": 50})
	orders := service.NewOrderService(st, registry, dispatcher, promos, nil, service.OrderConfig{Limits: limits})
	monitor := service.NewLeaseMonitor(st, registry, n, nil, nil, service.MonitorConfig{})

	h := NewHandler(orders, inventory, service.NewBalanceService(st, limits), monitor, promos, testAuth, deps)
	router := gin.New()
	h.SetupRoutes(router, "fulfillment-service-test")
	return &testServer{router: router, store: st, t: t}
}

func (s *testServer) do(actor *service.Actor, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := MintToken(testAuth, *actor, time.Minute)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) product(name string, price int64, units ...string) int64 {
	s.t.Helper()
	p := &models.Product{Name: name, Kind: models.KindLocalItem, Price: price, Active: true}
	require.NoError(s.t, s.store.CreateProduct(context.Background(), p))

	if len(units) > 0 {
		items := make([]gin.H, 0, len(units))
		for _, u := range units {
			items = append(items, gin.H{"content": u})
		}
		w := s.do(&adminUser, http.MethodPost, "/api/v1/admin/products/"+itoa(p.ID)+"/stock", gin.H{"items": items})
		require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	}
	return p.ID
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(nil, http.MethodGet, "/api/v1/balance", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(nil, http.MethodGet, "/api/v1/balance", nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := MintToken(AuthConfig{Secret: "other", Issuer: testAuth.Issuer}, adminUser, time.Minute)
	require.NoError(t, err)
	w = srv.do(nil, http.MethodGet, "/api/v1/balance", nil, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := MintToken(testAuth, buyer, -time.Minute)
	require.NoError(t, err)
	w = srv.do(nil, http.MethodGet, "/api/v1/balance", nil, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(&buyer, http.MethodGet, "/api/v1/balance", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseTokenDowngradesUnknownRoles(t *testing.T) {
	token, err := MintToken(testAuth, service.Actor{UserID: 9, Role: "superuser"}, time.Minute)
	require.NoError(t, err)

	actor, err := ParseToken(testAuth, token)
	require.NoError(t, err)
	assert.Equal(t, service.Actor{UserID: 9, Role: service.RoleUser}, actor)
}

func TestCheckoutFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	vpn := srv.product("VPN-Key", 1000, "KEY-A", "KEY-B")

	w := srv.do(&adminUser, http.MethodPost, "/api/v1/admin/balance",
		gin.H{"user_id": buyer.UserID, "mode": "bonus", "amount": "15.00", "reason": "welcome"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	order := gin.H{"lines": []gin.H{{"product_id": vpn, "quantity": 1}}, "total": 1000}
	w = srv.do(&buyer, http.MethodPost, "/api/v1/orders", order, "Idempotency-Key", "checkout-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var paid service.PayResult
	decode(t, w, &paid)
	assert.Equal(t, int64(500), paid.NewBalance)
	require.NotNil(t, paid.Dispatch)
	assert.Equal(t, "KEY-A", paid.Dispatch.DeliveredContent)

	w = srv.do(&buyer, http.MethodPost, "/api/v1/orders", order, "Idempotency-Key", "checkout-1")
	require.Equal(t, http.StatusOK, w.Code)
	var replay service.PayResult
	decode(t, w, &replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, paid.OrderID, replay.OrderID)

	w = srv.do(&buyer, http.MethodPost, "/api/v1/orders", order)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = srv.do(&stranger, http.MethodGet, "/api/v1/orders/"+itoa(paid.OrderID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(&buyer, http.MethodGet, "/api/v1/orders/"+itoa(paid.OrderID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Status string             `json:"status"`
		Lines  []models.OrderLine `json:"lines"`
	}
	decode(t, w, &view)
	assert.Equal(t, models.OrderStatusCompleted, view.Status)
	require.Len(t, view.Lines, 1)

	w = srv.do(&buyer, http.MethodPost, "/api/v1/orders/"+itoa(paid.OrderID)+"/process", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var again service.DispatchResult
	decode(t, w, &again)
	assert.True(t, again.Cached)
	assert.Equal(t, "KEY-A", again.DeliveredContent)

	w = srv.do(&adminUser, http.MethodGet, "/api/v1/admin/users/100/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report service.LedgerReport
	decode(t, w, &report)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(500), report.Balance)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	vpn := srv.product("VPN-Key", 1000, "KEY-A")

	tests := []struct {
		name   string
		actor  *service.Actor
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"admin route as user", &buyer, http.MethodPost, "/api/v1/admin/balance",
			gin.H{"user_id": buyer.UserID, "mode": "set", "amount": "99"}, http.StatusForbidden, "unauthorized"},
		{"malformed body", &buyer, http.MethodPost, "/api/v1/orders", gin.H{"lines": []gin.H{}}, http.StatusBadRequest, ""},
		{"bad id", &buyer, http.MethodGet, "/api/v1/orders/abc", nil, http.StatusBadRequest, ""},
		{"out of stock", &buyer, http.MethodPost, "/api/v1/orders",
			gin.H{"lines": []gin.H{{"product_id": vpn, "quantity": 2}}, "total": 2000}, http.StatusConflict, "out_of_stock"},
		{"total mismatch", &buyer, http.MethodPost, "/api/v1/orders",
			gin.H{"lines": []gin.H{{"product_id": vpn, "quantity": 1}}, "total": 1}, http.StatusConflict, "total_mismatch"},
		{"unknown promo", &buyer, http.MethodGet, "/api/v1/promo/NOPE", nil, http.StatusUnprocessableEntity, "invalid_promo"},
		{"unknown lease", &buyer, http.MethodPost, "/api/v1/leases/77/cancel", nil, http.StatusNotFound, "not_found"},
		{"negative set", &adminUser, http.MethodPost, "/api/v1/admin/balance",
			gin.H{"user_id": buyer.UserID, "mode": "set", "amount": "-5"}, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(tt.actor, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.code != "" {
				var body struct {
					Error string `json:"error"`
				}
				decode(t, w, &body)
				assert.Equal(t, tt.code, body.Error)
			}
		})
	}

	w := srv.do(&buyer, http.MethodGet, "/api/v1/balance", nil)
	var balance struct {
		Balance int64 `json:"balance"`
	}
	decode(t, w, &balance)
	assert.Zero(t, balance.Balance, "refused admin call had no effect")
}

func TestPendingOrderPaidOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	vpn := srv.product("VPN-Key", 1000, "KEY-A")

	w := srv.do(&buyer, http.MethodPost, "/api/v1/orders/pending",
		gin.H{"lines": []gin.H{{"product_id": vpn, "quantity": 1}}, "total": 1000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order models.Order
	decode(t, w, &order)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	payment := gin.H{"payment_id": "pi_1", "user_id": buyer.UserID, "order_id": order.ID, "amount": 1000}
	w = srv.do(&buyer, http.MethodPost, "/api/v1/payments/confirmed", payment)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(&adminUser, http.MethodPost, "/api/v1/payments/confirmed", payment)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var confirmed struct {
		Dispatch service.DispatchResult `json:"dispatch"`
	}
	decode(t, w, &confirmed)
	assert.Equal(t, "KEY-A", confirmed.Dispatch.DeliveredContent)

	w = srv.do(&buyer, http.MethodPost, "/api/v1/orders/"+itoa(order.ID)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStockAdministration(t *testing.T) {
	srv := newTestServer(t, nil)
	vpn := srv.product("VPN-Key", 1000)

	w := srv.do(&adminUser, http.MethodPost, "/api/v1/admin/products/"+itoa(vpn)+"/stock",
		gin.H{"items": []gin.H{{"content": "KEY-Z"}}})
	require.Equal(t, http.StatusCreated, w.Code)
	var added struct {
		ItemIDs []int64 `json:"item_ids"`
	}
	decode(t, w, &added)
	require.Len(t, added.ItemIDs, 1)

	w = srv.do(&adminUser, http.MethodDelete, "/api/v1/admin/stock/"+itoa(added.ItemIDs[0]), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = srv.do(&adminUser, http.MethodDelete, "/api/v1/admin/stock/"+itoa(added.ItemIDs[0]), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadiness(t *testing.T) {
	srv := newTestServer(t, map[string]Pinger{"redis": failingPinger{}})

	w := srv.do(nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = srv.do(nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestPrometheusMiddleware(t *testing.T) {
	srv := newTestServer(t, nil)
	counter := util.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/health", "200")
	before := testutil.ToFloat64(counter)

	srv.do(nil, http.MethodGet, "/health", nil)
	srv.do(nil, http.MethodGet, "/health", nil)

	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	w := srv.do(nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
