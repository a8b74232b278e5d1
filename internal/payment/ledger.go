// Package payment owns the financial transaction ledger: one row per
// gateway-confirmed movement, with strict amount/fee/net invariants and a
// running refund balance per payment.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
)

var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrInvariant rejects inputs that would break the ledger's amount
	// invariants; the transaction is not created.
	ErrInvariant = errors.New("ledger invariant violation")
	// ErrRefundExceedsBalance rejects a refund larger than what remains
	// captured for the payment.
	ErrRefundExceedsBalance = fmt.Errorf("%w: refund exceeds captured balance", ErrInvariant)
	// ErrDuplicateChargeRef is returned by stores on a charge-ref uniqueness
	// conflict; the ledger resolves it to the existing row.
	ErrDuplicateChargeRef = errors.New("duplicate charge reference")
)

type Store interface {
	EnsurePayment(ctx context.Context, orderID uuid.UUID, currency string) (*Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*Payment, error)

	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	FindByChargeRef(ctx context.Context, ref string) (*Transaction, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]Transaction, error)

	// RefundableBalance is the sum of succeeded captures minus all
	// non-failed refunds for the payment.
	RefundableBalance(ctx context.Context, paymentID uuid.UUID) (int64, error)

	// Insert writes the row and, when key carries a fingerprint, the
	// idempotency record in the same transaction.
	Insert(ctx context.Context, t *Transaction, key idempotency.Key) (idempotency.Result, error)

	// UpdateStatus moves a transaction along its lifecycle. It reports
	// changed=false when the row is already terminal.
	UpdateStatus(ctx context.Context, id uuid.UUID, to TxStatus, processedAt *time.Time) (*Transaction, bool, error)
}

// Ledger serializes mutations per payment id in-process; across processes
// the charge-ref uniqueness constraint and single-consumer queue assignment
// keep writers from colliding.
type Ledger struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (l *Ledger) lock(paymentID uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[paymentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[paymentID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func validateInput(in TransactionInput) error {
	switch in.Type {
	case TxAuthorize, TxCapture, TxRefund:
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvariant, in.Type)
	}
	if in.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvariant)
	}
	if in.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative", ErrInvariant)
	}
	if in.Fee > in.Amount {
		return fmt.Errorf("%w: fee exceeds amount", ErrInvariant)
	}
	if len(in.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvariant)
	}
	return nil
}

// RecordTransaction appends one validated row to a payment's ledger. A
// duplicate charge reference returns the existing row instead of a second
// one; a refund beyond the remaining captured balance is rejected.
func (l *Ledger) RecordTransaction(ctx context.Context, paymentID uuid.UUID, in TransactionInput) (*Transaction, error) {
	return l.record(ctx, paymentID, in, idempotency.Key{})
}

func (l *Ledger) record(ctx context.Context, paymentID uuid.UUID, in TransactionInput, key idempotency.Key) (*Transaction, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	unlock := l.lock(paymentID)
	defer unlock()

	if in.ChargeRef != "" {
		existing, err := l.store.FindByChargeRef(ctx, in.ChargeRef)
		if err != nil && !errors.Is(err, ErrTxNotFound) {
			return nil, err
		}
		if existing != nil {
			l.logger.Info("duplicate charge reference, returning existing transaction",
				"payment_id", paymentID, "charge_ref", in.ChargeRef, "tx_id", existing.ID)
			return existing, nil
		}
	}

	if in.Type == TxRefund {
		balance, err := l.store.RefundableBalance(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if in.Amount > balance {
			return nil, fmt.Errorf("%w: refund %d against balance %d", ErrRefundExceedsBalance, in.Amount, balance)
		}
	}

	now := time.Now().UTC()
	t := &Transaction{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Type:      in.Type,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Fee:       in.Fee,
		NetAmount: in.Amount - in.Fee,
		Status:    StatusPending,
		ChargeRef: in.ChargeRef,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := l.store.Insert(ctx, t, key)
	if errors.Is(err, ErrDuplicateChargeRef) {
		// Lost a race with another worker: the winner's row is the result.
		return l.store.FindByChargeRef(ctx, in.ChargeRef)
	}
	if err != nil {
		return nil, err
	}
	if res == idempotency.AlreadySeen {
		l.logger.Debug("duplicate ledger event skipped", "payment_id", paymentID, "fingerprint", key.Fingerprint)
		if in.ChargeRef != "" {
			return l.store.FindByChargeRef(ctx, in.ChargeRef)
		}
		return nil, nil
	}
	return t, nil
}

// Transition moves a transaction along PENDING → PROCESSING → terminal. An
// attempt to move a terminal row is a logged no-op, not an error.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, to TxStatus) (*Transaction, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		l.logger.Info("ignoring transition on terminal transaction",
			"tx_id", id, "status", current.Status, "requested", to)
		return current, nil
	}
	if !canTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvariant, current.Status, to)
	}

	var processedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		processedAt = &now
	}
	updated, changed, err := l.store.UpdateStatus(ctx, id, to, processedAt)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Another worker finished it first.
		l.logger.Info("transaction already terminal", "tx_id", id, "status", updated.Status)
	}
	return updated, nil
}

func (l *Ledger) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]Transaction, error) {
	return l.store.ListByPayment(ctx, paymentID)
}

func (l *Ledger) PaymentByOrder(ctx context.Context, orderID uuid.UUID) (*Payment, error) {
	return l.store.GetPaymentByOrder(ctx, orderID)
}

// HandleConfirmation consumes one payment confirmation envelope. Dedup runs
// through the idempotency key recorded with the insert; status updates are
// idempotent through terminal no-op semantics.
func (l *Ledger) HandleConfirmation(ctx context.Context, msg contracts.PaymentConfirmationMessage, fingerprint uuid.UUID) error {
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return fmt.Errorf("invalid order id: %w", err)
	}

	p, err := l.store.EnsurePayment(ctx, orderID, msg.Currency)
	if err != nil {
		return err
	}

	key := idempotency.Key{EntityID: p.ID, EventType: "ledger", Fingerprint: fingerprint}

	switch msg.Status {
	case contracts.PaymentAuthorized:
		return l.settle(ctx, p.ID, msg, TxAuthorize, key, StatusSucceeded)
	case contracts.PaymentCaptured:
		return l.settle(ctx, p.ID, msg, TxCapture, key, StatusSucceeded)
	case contracts.PaymentRefunded:
		return l.settle(ctx, p.ID, msg, TxRefund, key, StatusSucceeded)
	case contracts.PaymentFailed:
		return l.fail(ctx, p.ID, msg, key)
	default:
		return fmt.Errorf("%w: unknown payment status %q", ErrInvariant, msg.Status)
	}
}

func (l *Ledger) settle(ctx context.Context, paymentID uuid.UUID, msg contracts.PaymentConfirmationMessage, txType TxType, key idempotency.Key, final TxStatus) error {
	t, err := l.record(ctx, paymentID, TransactionInput{
		Type:      txType,
		Amount:    msg.Amount,
		Currency:  msg.Currency,
		Fee:       msg.Fee,
		ChargeRef: msg.TransactionID,
	}, key)
	if err != nil {
		return err
	}
	if t == nil || t.Status.Terminal() {
		return nil
	}
	_, err = l.Transition(ctx, t.ID, final)
	return err
}

func (l *Ledger) fail(ctx context.Context, paymentID uuid.UUID, msg contracts.PaymentConfirmationMessage, key idempotency.Key) error {
	existing, err := l.store.FindByChargeRef(ctx, msg.TransactionID)
	if err != nil && !errors.Is(err, ErrTxNotFound) {
		return err
	}
	if existing != nil {
		_, err = l.Transition(ctx, existing.ID, StatusFailed)
		return err
	}
	// No prior row for this charge: record the failed attempt for audit.
	return l.settle(ctx, paymentID, msg, TxAuthorize, key, StatusFailed)
}
