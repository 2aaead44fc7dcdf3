package worker

import (
	"context"
	"sync"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// PaymentConfirmer settles confirmed payments. Implemented by service.OrderService.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, event *models.PaymentConfirmedEvent) (*service.DispatchResult, error)
}

// PaymentWorker consumes payment events and settles them
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer *broker.Consumer, payments PaymentConfirmer) *PaymentWorker {
	w := &PaymentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentConfirmed(w.confirmHandler(payments))
	return w
}

func (w *PaymentWorker) confirmHandler(payments PaymentConfirmer) func(context.Context, *models.PaymentConfirmedEvent) error {
	return func(ctx context.Context, event *models.PaymentConfirmedEvent) error {
		result, err := payments.ConfirmPayment(ctx, event)
		if err != nil {
			return err
		}
		if result != nil {
			w.logger.Info("Payment settled order",
				zap.String("payment_id", event.PaymentID),
				zap.Int64("order_id", result.OrderID),
				zap.String("status", result.Status))
		}
		return nil
	}
}

// Start consumes until ctx is done
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the payment worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

// Poller runs one monitor pass. Implemented by service.LeaseMonitor.
type Poller interface {
	PollOnce(ctx context.Context) error
}

// LeaseWorkerConfig holds the lease worker schedule
type LeaseWorkerConfig struct {
	Interval time.Duration
	// PassTimeout bounds one monitor pass. Default: four intervals.
	PassTimeout time.Duration
}

// LeaseWorker runs the lease monitor on a fixed interval
type LeaseWorker struct {
	poller    Poller
	cfg       LeaseWorkerConfig
	ticker    *time.Ticker
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewLeaseWorker creates a new lease worker
func NewLeaseWorker(poller Poller, cfg LeaseWorkerConfig) *LeaseWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 4 * cfg.Interval
	}
	return &LeaseWorker{
		poller: poller,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: util.GetLogger(),
	}
}

// Start runs a first pass right away and then one per interval
func (w *LeaseWorker) Start() {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.ticker = time.NewTicker(w.cfg.Interval)
	w.mu.Unlock()

	w.logger.Info("Lease worker started", zap.Duration("interval", w.cfg.Interval))
	go w.run()
}

func (w *LeaseWorker) run() {
	defer close(w.done)

	w.RunNow()
	for {
		select {
		case <-w.ticker.C:
			w.RunNow()
		case <-w.stopCh:
			w.logger.Info("Lease worker stopped")
			return
		}
	}
}

// RunNow performs one monitor pass
func (w *LeaseWorker) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PassTimeout)
	defer cancel()

	if err := w.poller.PollOnce(ctx); err != nil {
		w.logger.Warn("Lease monitor pass failed", zap.Error(err))
	}
}

// Stop stops the ticker and waits for a running pass to finish
func (w *LeaseWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		running := w.isRunning
		if w.ticker != nil {
			w.ticker.Stop()
		}
		close(w.stopCh)
		w.isRunning = false
		w.mu.Unlock()

		if running {
			<-w.done
		}
	})
}
