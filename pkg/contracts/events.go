package contracts

import "time"

// Routing keys on the shared topic exchange. The first group is consumed by
// the reconciliation core, the second is published by it.
const (
	KeyPaymentConfirmation = "payment.confirmation"
	KeyInventoryUpdate     = "inventory.update"
	KeyShippingUpdate      = "shipping.update"
	KeyNotificationRequest = "notification.request"

	KeyOrderProcessing = "order.processing"
	KeyEmailSend       = "email.send"
	KeySMSSend         = "sms.send"
	KeyAnalyticsEvent  = "analytics.event"
	KeyAuditEvent      = "audit.event"
)

type PaymentEventStatus string

const (
	PaymentAuthorized PaymentEventStatus = "AUTHORIZED"
	PaymentCaptured   PaymentEventStatus = "CAPTURED"
	PaymentRefunded   PaymentEventStatus = "REFUNDED"
	PaymentFailed     PaymentEventStatus = "FAILED"
)

type InventoryAction string

const (
	InventoryReserve InventoryAction = "RESERVE"
	InventoryRelease InventoryAction = "RELEASE"
)

type ShippingEventStatus string

const (
	ShippingShipped        ShippingEventStatus = "SHIPPED"
	ShippingOutForDelivery ShippingEventStatus = "OUT_FOR_DELIVERY"
	ShippingDelivered      ShippingEventStatus = "DELIVERED"
)

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
)

// PaymentConfirmationMessage reports the outcome of an upstream payment
// gateway call. Amount and Fee are minor currency units. TransactionID is the
// gateway's charge reference and doubles as the dedup key for the ledger.
type PaymentConfirmationMessage struct {
	EventID       string             `json:"event_id"`
	OrderID       string             `json:"order_id" validate:"required,uuid"`
	Status        PaymentEventStatus `json:"status" validate:"required,oneof=AUTHORIZED CAPTURED REFUNDED FAILED"`
	TransactionID string             `json:"transaction_id" validate:"required"`
	Amount        int64              `json:"amount" validate:"required,gt=0"`
	Currency      string             `json:"currency" validate:"required,len=3"`
	Fee           int64              `json:"fee" validate:"gte=0"`
	Reason        string             `json:"reason,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

type InventoryUpdateMessage struct {
	EventID    string            `json:"event_id"`
	OrderID    string            `json:"order_id" validate:"required,uuid"`
	Action     InventoryAction   `json:"action" validate:"required,oneof=RESERVE RELEASE"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type ShippingUpdateMessage struct {
	EventID        string              `json:"event_id"`
	OrderID        string              `json:"order_id" validate:"required,uuid"`
	Status         ShippingEventStatus `json:"status" validate:"required,oneof=SHIPPED OUT_FOR_DELIVERY DELIVERED"`
	TrackingNumber string              `json:"tracking_number,omitempty"`
	Carrier        string              `json:"carrier,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// NotificationRequestMessage asks the notification service to deliver a
// templated message. It is both an inbound envelope (notification.request)
// and the payload published on email.send / sms.send by the order side.
type NotificationRequestMessage struct {
	EventID    string            `json:"event_id"`
	OrderID    string            `json:"order_id" validate:"required,uuid"`
	Channel    Channel           `json:"channel" validate:"required,oneof=EMAIL SMS PUSH"`
	Recipient  string            `json:"recipient,omitempty"`
	Template   string            `json:"template" validate:"required"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// OrderStatusChangedTask is published on order.processing whenever the state
// machine accepts a status-changing transition.
type OrderStatusChangedTask struct {
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id,omitempty"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AnalyticsEventTask struct {
	EventID    string            `json:"event_id"`
	Name       string            `json:"name"`
	OrderID    string            `json:"order_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type AuditEventTask struct {
	EventID    string            `json:"event_id"`
	Action     string            `json:"action"`
	EntityKind string            `json:"entity_kind"`
	EntityID   string            `json:"entity_id"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
