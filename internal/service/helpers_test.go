package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/notifier"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	admin = Actor{UserID: 1, Role: RoleAdmin}
	alice = Actor{UserID: 100, Role: RoleUser}
	bob   = Actor{UserID: 200, Role: RoleUser}
)

type sentMessage struct {
	userID  int64
	text    string
	files   []notifier.Attachment
	buttons []notifier.Button
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []sentMessage
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, text string, files []notifier.Attachment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, sentMessage{userID: userID, text: text, files: files})
	return n.err
}

func (n *recordingNotifier) NotifyWithButtons(_ context.Context, userID int64, text string, buttons []notifier.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, sentMessage{userID: userID, text: text, buttons: buttons})
	return n.err
}

func (n *recordingNotifier) sent() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.messages...)
}

type recordingPublisher struct {
	mu        sync.Mutex
	fulfilled []*models.OrderFulfilledEvent
	resolved  []*models.LeaseResolvedEvent
}

func (p *recordingPublisher) PublishOrderFulfilled(_ context.Context, event *models.OrderFulfilledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fulfilled = append(p.fulfilled, event)
	return nil
}

func (p *recordingPublisher) PublishLeaseResolved(_ context.Context, event *models.LeaseResolvedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, event)
	return nil
}

func (p *recordingPublisher) resolvedEvents() []*models.LeaseResolvedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.LeaseResolvedEvent(nil), p.resolved...)
}

// fakeRemote is a proxy-like adapter whose outcome the test controls
type fakeRemote struct {
	mu    sync.Mutex
	err   error
	calls int
	avail int
}

func (f *fakeRemote) Kind() models.FulfillmentKind { return models.KindProxy }

func (f *fakeRemote) Acquire(_ context.Context, req provider.AcquireRequest) (*provider.AcquireResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	result := &provider.AcquireResult{}
	for i := 0; i < req.Quantity; i++ {
		creds := fmt.Sprintf("10.0.0.%d:8000:u:p", i+1)
		result.Lines = append(result.Lines, creds)
		result.Leases = append(result.Leases, provider.LeaseGrant{
			ProviderRef: fmt.Sprintf("px-%d-%d", req.LineID, i),
			Status:      models.LeaseCompleted,
			Price:       req.UnitPrice,
			Payload:     models.LeasePayload{Credentials: creds},
		})
		result.Delivered++
	}
	return result, nil
}

func (f *fakeRemote) Available(context.Context, provider.AcquireRequest) (*provider.Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &provider.Availability{Count: f.avail}, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSMS issues waiting leases and reports whatever status the test set
type fakeSMS struct {
	mu        sync.Mutex
	next      int
	reports   map[string]provider.StatusReport
	statusErr error
	cancelErr error
	actions   []string
}

func newFakeSMS() *fakeSMS {
	return &fakeSMS{reports: make(map[string]provider.StatusReport)}
}

func (f *fakeSMS) Kind() models.FulfillmentKind { return models.KindSMSNumber }

func (f *fakeSMS) Acquire(_ context.Context, req provider.AcquireRequest) (*provider.AcquireResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &provider.AcquireResult{Async: true}
	for i := 0; i < req.Quantity; i++ {
		f.next++
		phone := fmt.Sprintf("7900000%04d", f.next)
		result.Lines = append(result.Lines, "📱 +"+phone)
		result.Leases = append(result.Leases, provider.LeaseGrant{
			ProviderRef: fmt.Sprintf("act-%d", f.next),
			Status:      models.LeaseWaiting,
			Price:       req.UnitPrice,
			Payload:     models.LeasePayload{Phone: phone},
		})
	}
	return result, nil
}

func (f *fakeSMS) report(ref string, status models.LeaseStatus, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[ref] = provider.StatusReport{Status: status, Payload: models.LeasePayload{Code: code}}
}

func (f *fakeSMS) Status(_ context.Context, lease *models.LeasedResource) (*provider.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	r, ok := f.reports[lease.ProviderRef]
	if !ok {
		return &provider.StatusReport{Status: lease.Status, Payload: lease.Payload}, nil
	}
	payload := lease.Payload
	if r.Payload.Code != "" {
		payload.Code = r.Payload.Code
	}
	return &provider.StatusReport{Status: r.Status, Payload: payload}, nil
}

func (f *fakeSMS) record(action string, lease *models.LeasedResource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action+":"+lease.ProviderRef)
}

func (f *fakeSMS) Cancel(_ context.Context, lease *models.LeasedResource) error {
	f.record("cancel", lease)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeSMS) SetReady(_ context.Context, lease *models.LeasedResource) error {
	f.record("ready", lease)
	return nil
}

func (f *fakeSMS) RequestRetry(_ context.Context, lease *models.LeasedResource) error {
	f.record("retry", lease)
	return nil
}

func (f *fakeSMS) Complete(_ context.Context, lease *models.LeasedResource) error {
	f.record("complete", lease)
	return nil
}

func (f *fakeSMS) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type testEnv struct {
	store      *store.Store
	inventory  *InventoryService
	balance    *BalanceService
	orders     *OrderService
	dispatcher *Dispatcher
	monitor    *LeaseMonitor
	notifier   *recordingNotifier
	publisher  *recordingPublisher
	remote     *fakeRemote
	sms        *fakeSMS
}

type envOption func(*DispatchConfig, *MonitorConfig)

func withRefundShortfall() envOption {
	return func(d *DispatchConfig, _ *MonitorConfig) { d.RefundShortfall = true }
}

func withMaxAge(age time.Duration) envOption {
	return func(_ *DispatchConfig, m *MonitorConfig) { m.MaxAge = age }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	st, err := store.NewStore("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Migrate(context.Background())
	require.NoError(t, err)

	limits, err := money.NewLimits("1000000")
	require.NoError(t, err)

	dcfg := DispatchConfig{NotifyTimeout: time.Second}
	mcfg := MonitorConfig{Concurrency: 4, CancelWindow: 2 * time.Minute}
	for _, opt := range opts {
		opt(&dcfg, &mcfg)
	}

	env := &testEnv{
		store:     st,
		inventory: NewInventoryService(st),
		balance:   NewBalanceService(st, limits),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		remote:    &fakeRemote{avail: 100},
		sms:       newFakeSMS(),
	}

	registry := provider.NewRegistry(
		provider.NewLocalItemAdapter(env.inventory),
		provider.NewManualAdapter(),
		env.remote,
		env.sms,
	)
	env.dispatcher = NewDispatcher(st, registry, env.notifier, env.publisher, dcfg)
	env.orders = NewOrderService(st, registry, env.dispatcher,
		NewPromoService(map[string]int{"HALF": 50}), nil, OrderConfig{Limits: limits})
	env.monitor = NewLeaseMonitor(st, registry, env.notifier, env.publisher, nil, mcfg)
	return env
}

func (e *testEnv) product(t *testing.T, name string, kind models.FulfillmentKind, price int64, units ...string) *models.Product {
	t.Helper()
	ctx := context.Background()

	p := &models.Product{Name: name, Kind: kind, Price: price, Active: true}
	require.NoError(t, e.store.CreateProduct(ctx, p))

	if len(units) > 0 {
		items := make([]StockItem, 0, len(units))
		for _, u := range units {
			items = append(items, StockItem{Content: u})
		}
		_, err := e.inventory.AddStock(ctx, admin, p.ID, items)
		require.NoError(t, err)
	}
	return p
}

func (e *testEnv) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := e.balance.Deposit(context.Background(), userID, amount, "test funds")
	require.NoError(t, err)
}

func (e *testEnv) balanceOf(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := e.balance.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) requireLedgerConsistent(t *testing.T, userID int64) {
	t.Helper()
	report, err := e.balance.VerifyLedger(context.Background(), admin, userID)
	require.NoError(t, err)
	require.True(t, report.Consistent, "balance %d, ledger sum %d", report.Balance, report.LedgerSum)
}

func buy(productID int64, qty int) []LineRequest {
	return []LineRequest{{ProductID: productID, Quantity: qty}}
}
