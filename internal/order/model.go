package order

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusPaymentPending   Status = "PAYMENT_PENDING"
	StatusPaymentConfirmed Status = "PAYMENT_CONFIRMED"
	StatusProcessing       Status = "PROCESSING"
	StatusShipped          Status = "SHIPPED"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type Order struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EventKind string

const (
	KindPayment   EventKind = "payment"
	KindInventory EventKind = "inventory"
	KindShipping  EventKind = "shipping"
)

// Event is the normalized form of an inbound confirmation envelope: kind
// plus the status/action string, with the original metadata carried along
// uninterpreted.
type Event struct {
	Fingerprint uuid.UUID         `json:"fingerprint"`
	OrderID     uuid.UUID         `json:"order_id"`
	Kind        EventKind         `json:"kind"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AppliedEvent is one row of an order's audit trail.
type AppliedEvent struct {
	ID          int64     `json:"id"`
	OrderID     uuid.UUID `json:"order_id"`
	Fingerprint uuid.UUID `json:"fingerprint"`
	Kind        EventKind `json:"kind"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HeldEvent is an out-of-order event parked until its prerequisite state is
// reached or the deadline passes.
type HeldEvent struct {
	ID            int64
	OrderID       uuid.UUID
	Fingerprint   uuid.UUID
	Kind          EventKind
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	Deadline      time.Time
	CreatedAt     time.Time
}
