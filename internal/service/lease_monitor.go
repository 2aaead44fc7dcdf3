package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/notifier"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const monitorLockKey = "lease-monitor"

// MonitorConfig tunes the lease monitor
type MonitorConfig struct {
	Concurrency int
	BatchSize   int
	// MaxAge cancels leases still waiting for a code after this long
	MaxAge time.Duration
	// CancelWindow is the advisory period in which the UI offers cancellation
	CancelWindow  time.Duration
	LockTTL       time.Duration
	NotifyTimeout time.Duration
}

// LeaseMonitor drives provider-issued resources through their lifecycle.
// Every status write is a compare-and-set on the observed status, so
// redundant polls and concurrent user actions are harmless.
type LeaseMonitor struct {
	store     *store.Store
	registry  *provider.Registry
	notify    *deliveryNotifier
	publisher EventPublisher
	locker    Locker
	cfg       MonitorConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewLeaseMonitor creates a new lease monitor. publisher and locker may be nil.
func NewLeaseMonitor(
	store *store.Store,
	registry *provider.Registry,
	n notifier.Notifier,
	publisher EventPublisher,
	locker Locker,
	cfg MonitorConfig,
) *LeaseMonitor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &LeaseMonitor{
		store:     store,
		registry:  registry,
		notify:    newDeliveryNotifier(n, cfg.NotifyTimeout),
		publisher: publisher,
		locker:    locker,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    util.GetLogger(),
	}
}

// LeaseView is a lease as shown to its owner
type LeaseView struct {
	models.LeasedResource
	CanCancel        bool       `json:"can_cancel"`
	CancellableUntil *time.Time `json:"cancellable_until,omitempty"`
}

func (m *LeaseMonitor) view(lease *models.LeasedResource) LeaseView {
	v := LeaseView{LeasedResource: *lease, CanCancel: lease.Status.Cancellable()}
	if v.CanCancel && m.cfg.CancelWindow > 0 {
		until := lease.IssuedAt.Add(m.cfg.CancelWindow)
		v.CancellableUntil = &until
	}
	return v
}

// PollOnce polls every active lease once. Failures of single leases are
// collected and do not stop the pass.
func (m *LeaseMonitor) PollOnce(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "LeaseMonitor.PollOnce")
	defer span.End()

	if m.locker != nil {
		token, ok, err := m.locker.AcquireLock(ctx, monitorLockKey, m.cfg.LockTTL)
		if err != nil {
			m.logger.Warn("Monitor lock unavailable, polling without it", zap.Error(err))
		} else if !ok {
			m.logger.Debug("Another worker holds the monitor lock, skipping tick")
			return nil
		} else {
			defer func() {
				if err := m.locker.ReleaseLock(context.WithoutCancel(ctx), monitorLockKey, token); err != nil {
					m.logger.Warn("Failed to release monitor lock", zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	defer func() { util.MonitorPollDuration.Observe(time.Since(start).Seconds()) }()

	leases, err := m.store.ListActiveLeases(ctx, m.cfg.BatchSize)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to list active leases: %w", err)
	}
	util.LeasesActive.Set(float64(len(leases)))

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(m.cfg.Concurrency)

	for i := range leases {
		lease := leases[i]
		g.Go(func() error {
			if err := m.pollLease(ctx, &lease); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("lease %d: %w", lease.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		util.RecordError(span, errs)
		m.logger.Warn("Lease poll finished with errors",
			zap.Int("leases", len(leases)),
			zap.Int("failed", len(multierr.Errors(errs))))
	}
	return errs
}

func (m *LeaseMonitor) pollLease(ctx context.Context, lease *models.LeasedResource) error {
	ctx, span := util.StartSpan(ctx, "LeaseMonitor.pollLease", attribute.Int64("lease_id", lease.ID))
	defer span.End()

	adapter, err := m.registry.Lease(lease.Kind)
	if err != nil {
		return err
	}

	if err := m.store.TouchLeasePoll(ctx, lease.ID); err != nil {
		return fmt.Errorf("failed to record poll: %w", err)
	}

	report, err := adapter.Status(ctx, lease)
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	if err := m.apply(ctx, lease, report.Status, report.Payload); err != nil {
		return err
	}

	expired := m.cfg.MaxAge > 0 && m.now().Sub(lease.IssuedAt) > m.cfg.MaxAge
	if expired && report.Status == lease.Status && (lease.Status == models.LeaseWaiting || lease.Status == models.LeaseReady) {
		return m.expire(ctx, adapter, lease)
	}
	return nil
}

// expire cancels a lease that never produced a code. If the provider
// refuses, the lease stays as is and the next tick tries again.
func (m *LeaseMonitor) expire(ctx context.Context, adapter provider.LeaseAdapter, lease *models.LeasedResource) error {
	if err := adapter.Cancel(ctx, lease); err != nil {
		return fmt.Errorf("failed to cancel expired lease: %w", err)
	}
	m.logger.Info("Lease expired", zap.Int64("lease_id", lease.ID), zap.Time("issued_at", lease.IssuedAt))
	_, err := m.cancel(ctx, lease, "expired without a code")
	return err
}

// apply moves a lease to the status a provider reported. Reports the table
// does not allow are ignored; a finished report for a lease that never saw a
// code steps through code_received.
func (m *LeaseMonitor) apply(ctx context.Context, lease *models.LeasedResource, to models.LeaseStatus, payload models.LeasePayload) error {
	if to == lease.Status && (to != models.LeaseCodeReceived || payload.Code == lease.Payload.Code) {
		return nil
	}

	if to == models.LeaseCancelled {
		// the code was already handed out, so the lease ends without a refund
		if lease.Status == models.LeaseCodeReceived {
			_, err := m.transition(ctx, lease, models.LeaseCompleted, lease.Payload, true)
			return err
		}
		_, err := m.cancel(ctx, lease, "cancelled by provider")
		return err
	}

	if !models.CanTransition(lease.Status, to) {
		if to == models.LeaseCompleted && models.CanTransition(lease.Status, models.LeaseCodeReceived) {
			if _, err := m.transition(ctx, lease, models.LeaseCodeReceived, payload, false); err != nil {
				return err
			}
			_, err := m.transition(ctx, lease, models.LeaseCompleted, payload, true)
			return err
		}
		m.logger.Warn("Ignoring provider status outside the transition table",
			zap.Int64("lease_id", lease.ID),
			zap.String("from", string(lease.Status)),
			zap.String("to", string(to)))
		return nil
	}

	_, err := m.transition(ctx, lease, to, payload, true)
	return err
}

// transition compare-and-sets the lease status and runs the side effects of
// the new state. It reports false when another writer got there first. On
// success lease is updated in place.
func (m *LeaseMonitor) transition(ctx context.Context, lease *models.LeasedResource, to models.LeaseStatus, payload models.LeasePayload, announce bool) (bool, error) {
	from := lease.Status
	ok, err := m.store.UpdateLeaseStatus(ctx, lease.ID, from, to, payload)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Debug("Lease changed concurrently", zap.Int64("lease_id", lease.ID))
		return false, nil
	}

	lease.Status = to
	lease.Payload = payload
	util.LeaseTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("Lease transitioned",
		zap.Int64("lease_id", lease.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if !announce {
		return true, nil
	}

	switch {
	case to == models.LeaseCodeReceived:
		m.notify.sendWithButtons(ctx, lease.UserID, codeMessage(lease), []notifier.Button{
			{Text: "Request another code", Data: fmt.Sprintf("lease:%d:retry", lease.ID)},
			{Text: "Done", Data: fmt.Sprintf("lease:%d:complete", lease.ID)},
		})
	case to == models.LeaseCompleted && lease.Kind == models.KindSocialBoost:
		m.notify.send(ctx, lease.UserID, fmt.Sprintf("✅ Boost for %s finished", lease.Payload.Link), nil)
	}

	if to.Terminal() {
		m.resolved(ctx, lease, 0)
	}
	return true, nil
}

func codeMessage(lease *models.LeasedResource) string {
	if lease.Payload.Phone != "" {
		return fmt.Sprintf("🔑 Code for +%s: %s", lease.Payload.Phone, lease.Payload.Code)
	}
	return fmt.Sprintf("🔑 Code: %s", lease.Payload.Code)
}

// cancel cancels the lease with its refund. It returns nil when the lease
// was not cancellable anymore.
func (m *LeaseMonitor) cancel(ctx context.Context, lease *models.LeasedResource, reason string) (*models.LeasedResource, error) {
	cancelled, err := m.store.CancelLeaseWithRefund(ctx, lease.ID, fmt.Sprintf("Lease #%d %s", lease.ID, reason))
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		return nil, nil
	}

	util.LeaseTransitionsTotal.WithLabelValues(string(lease.Status), string(models.LeaseCancelled)).Inc()
	if cancelled.Price > 0 {
		util.LeaseRefundsTotal.Inc()
		util.LedgerMutationsTotal.WithLabelValues(models.TxKindRefund, "ok").Inc()
	}
	m.logger.Info("Lease cancelled",
		zap.Int64("lease_id", lease.ID),
		zap.String("reason", reason),
		zap.Int64("refund", cancelled.Price))

	text := fmt.Sprintf("❌ Lease #%d cancelled: %s", lease.ID, reason)
	if cancelled.Price > 0 {
		text += fmt.Sprintf(". %s returned to your balance", money.Format(cancelled.Price))
	}
	m.notify.send(ctx, lease.UserID, text, nil)

	m.resolved(ctx, cancelled, cancelled.Price)
	return cancelled, nil
}

// resolved runs once a lease became terminal
func (m *LeaseMonitor) resolved(ctx context.Context, lease *models.LeasedResource, refunded int64) {
	if m.publisher != nil {
		event := &models.LeaseResolvedEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeLeaseResolved),
			LeaseID:   lease.ID,
			OrderID:   lease.OrderID,
			UserID:    lease.UserID,
			Status:    string(lease.Status),
			Refunded:  refunded,
		}
		if err := m.publisher.PublishLeaseResolved(ctx, event); err != nil {
			m.logger.Error("Failed to publish LEASE_RESOLVED event",
				zap.Int64("lease_id", lease.ID),
				zap.Error(err))
		}
	}

	completed, err := completeIfSettled(ctx, m.store, lease.OrderID)
	if err != nil {
		m.logger.Error("Failed to settle order", zap.Int64("order_id", lease.OrderID), zap.Error(err))
		return
	}
	if completed {
		m.logger.Info("Order completed", zap.Int64("order_id", lease.OrderID))
		util.OrdersDispatchedTotal.WithLabelValues(models.OrderStatusCompleted).Inc()
	}
}

// ownedLease loads a lease the actor may act on
func (m *LeaseMonitor) ownedLease(ctx context.Context, actor Actor, leaseID int64) (*models.LeasedResource, error) {
	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	if !actor.canSee(lease.UserID) {
		return nil, fmt.Errorf("lease %d: %w", leaseID, ErrNotFound)
	}
	return lease, nil
}

// Cancel releases a lease at the provider and refunds it. It fails with
// ErrLeaseTerminal when the lease already finished, including when a code
// arrived concurrently.
func (m *LeaseMonitor) Cancel(ctx context.Context, actor Actor, leaseID int64) (*LeaseView, error) {
	ctx, span := util.StartSpan(ctx, "LeaseMonitor.Cancel", attribute.Int64("lease_id", leaseID))
	defer span.End()

	lease, err := m.ownedLease(ctx, actor, leaseID)
	if err != nil {
		return nil, err
	}
	if lease.Status.Terminal() {
		return nil, fmt.Errorf("lease %d is %s: %w", leaseID, lease.Status, ErrLeaseTerminal)
	}
	if !lease.Status.Cancellable() {
		return nil, fmt.Errorf("lease %d is %s: %w", leaseID, lease.Status, ErrInvalidTransition)
	}

	adapter, err := m.registry.Lease(lease.Kind)
	if err != nil {
		return nil, err
	}
	if err := adapter.Cancel(ctx, lease); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to cancel lease %d at provider: %w", leaseID, err)
	}

	cancelled, err := m.cancel(ctx, lease, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		return nil, fmt.Errorf("lease %d: %w", leaseID, ErrLeaseTerminal)
	}

	v := m.view(cancelled)
	return &v, nil
}

// MarkReady tells the provider the code was requested on the target service
func (m *LeaseMonitor) MarkReady(ctx context.Context, actor Actor, leaseID int64) (*LeaseView, error) {
	return m.userTransition(ctx, actor, leaseID, models.LeaseReady, provider.LeaseAdapter.SetReady)
}

// RequestRetry asks the provider for another code
func (m *LeaseMonitor) RequestRetry(ctx context.Context, actor Actor, leaseID int64) (*LeaseView, error) {
	return m.userTransition(ctx, actor, leaseID, models.LeaseRetry, provider.LeaseAdapter.RequestRetry)
}

// Complete finishes a lease whose code was used
func (m *LeaseMonitor) Complete(ctx context.Context, actor Actor, leaseID int64) (*LeaseView, error) {
	return m.userTransition(ctx, actor, leaseID, models.LeaseCompleted, provider.LeaseAdapter.Complete)
}

func (m *LeaseMonitor) userTransition(
	ctx context.Context,
	actor Actor,
	leaseID int64,
	to models.LeaseStatus,
	call func(provider.LeaseAdapter, context.Context, *models.LeasedResource) error,
) (*LeaseView, error) {
	ctx, span := util.StartSpan(ctx, "LeaseMonitor.Transition",
		attribute.Int64("lease_id", leaseID),
		attribute.String("to", string(to)))
	defer span.End()

	lease, err := m.ownedLease(ctx, actor, leaseID)
	if err != nil {
		return nil, err
	}
	if lease.Status.Terminal() {
		return nil, fmt.Errorf("lease %d is %s: %w", leaseID, lease.Status, ErrLeaseTerminal)
	}
	if !models.CanTransition(lease.Status, to) {
		return nil, fmt.Errorf("lease %d: %s -> %s: %w", leaseID, lease.Status, to, ErrInvalidTransition)
	}

	adapter, err := m.registry.Lease(lease.Kind)
	if err != nil {
		return nil, err
	}
	if err := call(adapter, ctx, lease); err != nil {
		util.RecordError(span, err)
		if errors.Is(err, provider.ErrUnsupportedAction) {
			return nil, fmt.Errorf("lease %d: %v: %w", leaseID, err, ErrInvalidTransition)
		}
		return nil, fmt.Errorf("provider refused %s for lease %d: %w", to, leaseID, err)
	}

	ok, err := m.transition(ctx, lease, to, lease.Payload, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := m.store.GetLease(ctx, leaseID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("lease %d moved to %s: %w", leaseID, current.Status, ErrInvalidTransition)
	}

	v := m.view(lease)
	return &v, nil
}

// ListLeases returns the actor's leases, newest first
func (m *LeaseMonitor) ListLeases(ctx context.Context, actor Actor) ([]LeaseView, error) {
	leases, err := m.store.ListLeasesByUser(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	views := make([]LeaseView, 0, len(leases))
	for i := range leases {
		views = append(views, m.view(&leases[i]))
	}
	return views, nil
}
