package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
)

type DeliveryStatus string

const (
	StatusQueued         DeliveryStatus = "QUEUED"
	StatusSending        DeliveryStatus = "SENDING"
	StatusDelivered      DeliveryStatus = "DELIVERED"
	StatusRetryScheduled DeliveryStatus = "RETRY_SCHEDULED"
	StatusExhausted      DeliveryStatus = "EXHAUSTED"
)

func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusExhausted
}

// Delivery is the attempt bookkeeping for one outbound notification. The
// scheduler owns timing and retries; transport mechanics live in the channel
// senders.
type Delivery struct {
	ID             uuid.UUID         `json:"id"`
	NotificationID uuid.UUID         `json:"notification_id"`
	OrderID        uuid.UUID         `json:"order_id"`
	Channel        contracts.Channel `json:"channel"`
	Recipient      string            `json:"recipient,omitempty"`
	Template       string            `json:"template"`
	Payload        []byte            `json:"payload"`
	Status         DeliveryStatus    `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxAttempts    int               `json:"max_attempts"`
	NextRetryAt    time.Time         `json:"next_retry_at"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// nextBackoff spaces the retry after the retryCount-th failure:
// base * 2^retryCount, capped.
func nextBackoff(base time.Duration, retryCount int, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	d := base << uint(retryCount)
	if d > max || d <= 0 {
		d = max
	}
	return d
}
