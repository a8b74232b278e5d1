package payment

import (
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	TxAuthorize TxType = "AUTHORIZE"
	TxCapture   TxType = "CAPTURE"
	TxRefund    TxType = "REFUND"
)

type TxStatus string

const (
	StatusPending    TxStatus = "PENDING"
	StatusProcessing TxStatus = "PROCESSING"
	StatusSucceeded  TxStatus = "SUCCEEDED"
	StatusFailed     TxStatus = "FAILED"
	StatusCanceled   TxStatus = "CANCELED"
)

func (s TxStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// canTransition encodes the per-transaction lifecycle. Terminal statuses
// accept nothing; PENDING may skip PROCESSING when the gateway reports an
// already-settled charge.
func canTransition(from, to TxStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to.Terminal()
	case StatusProcessing:
		return to.Terminal()
	}
	return false
}

// Payment is the aggregate a ledger row belongs to, one per order.
type Payment struct {
	ID        uuid.UUID `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one ledger row. NetAmount is always Amount minus Fee;
// ChargeRef, when set, is unique across the ledger.
type Transaction struct {
	ID          uuid.UUID  `json:"id"`
	PaymentID   uuid.UUID  `json:"payment_id"`
	Type        TxType     `json:"type"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Fee         int64      `json:"fee"`
	NetAmount   int64      `json:"net_amount"`
	Status      TxStatus   `json:"status"`
	ChargeRef   string     `json:"charge_ref,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TransactionInput is what the upstream gateway response contributes to a
// new ledger row. Fee defaults to zero when the gateway omits it.
type TransactionInput struct {
	Type      TxType
	Amount    int64
	Currency  string
	Fee       int64
	ChargeRef string
}

type MethodType string

const (
	MethodCard           MethodType = "CARD"
	MethodBankAccount    MethodType = "BANK_ACCOUNT"
	MethodWallet         MethodType = "WALLET"
	MethodBuyNowPayLater MethodType = "BUY_NOW_PAY_LATER"
	MethodBankTransfer   MethodType = "BANK_TRANSFER"
	MethodOther          MethodType = "OTHER"
)

type Method struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Type      MethodType `json:"type"`
	Default   bool       `json:"default"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
