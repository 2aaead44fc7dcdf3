package service

import (
	"context"
	"time"

	"fulfillment-service/internal/notifier"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const defaultNotifyTimeout = 10 * time.Second

// deliveryNotifier pushes messages after state is persisted. Failures are
// logged and counted, never returned.
type deliveryNotifier struct {
	notifier notifier.Notifier
	timeout  time.Duration
	logger   *zap.Logger
}

func newDeliveryNotifier(n notifier.Notifier, timeout time.Duration) *deliveryNotifier {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &deliveryNotifier{notifier: n, timeout: timeout, logger: util.GetLogger()}
}

func (d *deliveryNotifier) send(ctx context.Context, userID int64, text string, files []notifier.Attachment) {
	if d.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	d.record(userID, d.notifier.Notify(ctx, userID, text, files))
}

func (d *deliveryNotifier) sendWithButtons(ctx context.Context, userID int64, text string, buttons []notifier.Button) {
	if d.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	d.record(userID, d.notifier.NotifyWithButtons(ctx, userID, text, buttons))
}

func (d *deliveryNotifier) record(userID int64, err error) {
	if err != nil {
		util.NotificationsTotal.WithLabelValues("error").Inc()
		d.logger.Error("Failed to notify user", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	util.NotificationsTotal.WithLabelValues("ok").Inc()
}
