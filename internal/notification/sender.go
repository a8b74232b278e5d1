package notification

import (
	"context"
	"log/slog"

	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
)

// Sender delivers one notification over a concrete channel. Implementations
// wrap the actual email/SMS/push providers; a send error is transient and
// triggers the backoff schedule.
type Sender interface {
	Send(ctx context.Context, d *Delivery) error
}

type SenderFunc func(ctx context.Context, d *Delivery) error

func (f SenderFunc) Send(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// LogSender is the development stand-in for a real provider.
type LogSender struct {
	Channel contracts.Channel
	Logger  *slog.Logger
}

func (s *LogSender) Send(_ context.Context, d *Delivery) error {
	s.Logger.Info("notification sent",
		"channel", s.Channel, "notification_id", d.NotificationID,
		"order_id", d.OrderID, "template", d.Template)
	return nil
}
