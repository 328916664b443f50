// Package notify is the outbound notification boundary. Delivery mechanics
// (email/SMS templates, providers) live outside this service; the intake
// pipeline only needs a fire-and-forget collaborator whose failures never
// affect an already-committed order.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/order"
)

// Notifier sends customer- and admin-facing notifications for an order.
type Notifier interface {
	OrderReceipt(ctx context.Context, o *order.Order) error
	AdminAlert(ctx context.Context, subject string, o *order.Order) error
}

// LogNotifier is the default Notifier: it records the notification intent in
// the service log. The real delivery channel is wired in deployment, not here.
type LogNotifier struct {
	lg *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(lg *zap.Logger) *LogNotifier {
	return &LogNotifier{lg: lg}
}

func (n *LogNotifier) OrderReceipt(_ context.Context, o *order.Order) error {
	n.lg.Info("order receipt notification",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("customer_email", o.Customer.Email),
	)
	return nil
}

func (n *LogNotifier) AdminAlert(_ context.Context, subject string, o *order.Order) error {
	n.lg.Info("admin alert notification",
		zap.String("subject", subject),
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
	)
	return nil
}

// detachTimeout bounds a detached task so an unresponsive delivery channel
// cannot leak goroutines forever.
const detachTimeout = 30 * time.Second

// Detach runs fn in a background goroutine detached from the caller's
// lifecycle. Failures and panics are observed only through the log; the
// caller's result is never affected. The task receives its own context so
// the caller returning (or its request being cancelled) does not cancel
// in-flight delivery.
func Detach(lg *zap.Logger, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				lg.Error("detached task panicked",
					zap.String("task", name),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			lg.Error("detached task failed",
				zap.String("task", name),
				zap.Error(err),
			)
		}
	}()
}
