package payment

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
)

// fakeLedgerStore mirrors the Postgres store's contract: charge-ref
// uniqueness, fingerprint dedup and a conditional status update.
type fakeLedgerStore struct {
	payments map[uuid.UUID]*Payment
	txs      map[uuid.UUID]*Transaction
	seen     map[string]bool
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{
		payments: make(map[uuid.UUID]*Payment),
		txs:      make(map[uuid.UUID]*Transaction),
		seen:     make(map[string]bool),
	}
}

func (s *fakeLedgerStore) EnsurePayment(_ context.Context, orderID uuid.UUID, currency string) (*Payment, error) {
	for _, p := range s.payments {
		if p.OrderID == orderID {
			return p, nil
		}
	}
	p := &Payment{ID: uuid.New(), OrderID: orderID, Currency: currency}
	s.payments[p.ID] = p
	return p, nil
}

func (s *fakeLedgerStore) GetPaymentByOrder(_ context.Context, orderID uuid.UUID) (*Payment, error) {
	for _, p := range s.payments {
		if p.OrderID == orderID {
			return p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *fakeLedgerStore) Get(_ context.Context, id uuid.UUID) (*Transaction, error) {
	t, ok := s.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeLedgerStore) FindByChargeRef(_ context.Context, ref string) (*Transaction, error) {
	for _, t := range s.txs {
		if t.ChargeRef == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTxNotFound
}

func (s *fakeLedgerStore) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]Transaction, error) {
	var out []Transaction
	for _, t := range s.txs {
		if t.PaymentID == paymentID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeLedgerStore) RefundableBalance(_ context.Context, paymentID uuid.UUID) (int64, error) {
	var balance int64
	for _, t := range s.txs {
		if t.PaymentID != paymentID {
			continue
		}
		switch {
		case t.Type == TxCapture && t.Status == StatusSucceeded:
			balance += t.Amount
		case t.Type == TxRefund && t.Status != StatusFailed && t.Status != StatusCanceled:
			balance -= t.Amount
		}
	}
	return balance, nil
}

func (s *fakeLedgerStore) Insert(_ context.Context, t *Transaction, key idempotency.Key) (idempotency.Result, error) {
	if key.Fingerprint != uuid.Nil {
		k := key.EntityID.String() + "/" + key.EventType + "/" + key.Fingerprint.String()
		if s.seen[k] {
			return idempotency.AlreadySeen, nil
		}
		s.seen[k] = true
	}
	if t.ChargeRef != "" {
		for _, existing := range s.txs {
			if existing.ChargeRef == t.ChargeRef {
				return idempotency.FirstSeen, ErrDuplicateChargeRef
			}
		}
	}
	cp := *t
	s.txs[t.ID] = &cp
	return idempotency.FirstSeen, nil
}

func (s *fakeLedgerStore) UpdateStatus(_ context.Context, id uuid.UUID, to TxStatus, processedAt *time.Time) (*Transaction, bool, error) {
	t, ok := s.txs[id]
	if !ok {
		return nil, false, ErrTxNotFound
	}
	if t.Status.Terminal() {
		cp := *t
		return &cp, false, nil
	}
	t.Status = to
	t.ProcessedAt = processedAt
	cp := *t
	return &cp, true, nil
}

func newTestLedger(t *testing.T) (*Ledger, *fakeLedgerStore) {
	t.Helper()
	store := newFakeLedgerStore()
	return NewLedger(store, slog.Default()), store
}

func capture(amount, fee int64, ref string) TransactionInput {
	return TransactionInput{Type: TxCapture, Amount: amount, Currency: "USD", Fee: fee, ChargeRef: ref}
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name    string
		in      TransactionInput
		wantErr bool
	}{
		{"valid capture", capture(1000, 30, "ch_1"), false},
		{"zero fee is valid", capture(1000, 0, "ch_1"), false},
		{"fee equal to amount is valid", capture(1000, 1000, "ch_1"), false},
		{"fee above amount rejected", capture(1000, 1001, "ch_1"), true},
		{"negative fee rejected", capture(1000, -1, "ch_1"), true},
		{"zero amount rejected", capture(0, 0, "ch_1"), true},
		{"negative amount rejected", capture(-5, 0, "ch_1"), true},
		{"unknown type rejected", TransactionInput{Type: "VOID", Amount: 100, Currency: "USD"}, true},
		{"bad currency rejected", TransactionInput{Type: TxCapture, Amount: 100, Currency: "US"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvariant)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecordTransactionComputesNet(t *testing.T) {
	ledger, _ := newTestLedger(t)
	paymentID := uuid.New()

	tx, err := ledger.RecordTransaction(context.Background(), paymentID, capture(2500, 75, "ch_net"))
	require.NoError(t, err)
	assert.Equal(t, int64(2425), tx.NetAmount)
	assert.Equal(t, StatusPending, tx.Status)
}

func TestRecordTransactionDuplicateChargeRef(t *testing.T) {
	ledger, _ := newTestLedger(t)
	paymentID := uuid.New()
	ctx := context.Background()

	first, err := ledger.RecordTransaction(ctx, paymentID, capture(1000, 0, "ch_dup"))
	require.NoError(t, err)

	second, err := ledger.RecordTransaction(ctx, paymentID, capture(1000, 0, "ch_dup"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same charge ref must resolve to one row")
}

func TestRefundBalance(t *testing.T) {
	ledger, store := newTestLedger(t)
	paymentID := uuid.New()
	ctx := context.Background()

	tx, err := ledger.RecordTransaction(ctx, paymentID, capture(1000, 0, "ch_cap"))
	require.NoError(t, err)
	_, err = ledger.Transition(ctx, tx.ID, StatusSucceeded)
	require.NoError(t, err)

	// Refund of the full captured balance is allowed.
	refund, err := ledger.RecordTransaction(ctx, paymentID, TransactionInput{
		Type: TxRefund, Amount: 1000, Currency: "USD", ChargeRef: "ref_1",
	})
	require.NoError(t, err)
	assert.Equal(t, TxRefund, refund.Type)

	// A second refund now exceeds the remaining balance.
	_, err = ledger.RecordTransaction(ctx, paymentID, TransactionInput{
		Type: TxRefund, Amount: 1, Currency: "USD", ChargeRef: "ref_2",
	})
	assert.ErrorIs(t, err, ErrRefundExceedsBalance)
	assert.ErrorIs(t, err, ErrInvariant)

	balance, err := store.RefundableBalance(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestRefundAgainstPendingCaptureRejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	paymentID := uuid.New()
	ctx := context.Background()

	// Capture recorded but never succeeded: nothing is refundable yet.
	_, err := ledger.RecordTransaction(ctx, paymentID, capture(1000, 0, "ch_pend"))
	require.NoError(t, err)

	_, err = ledger.RecordTransaction(ctx, paymentID, TransactionInput{
		Type: TxRefund, Amount: 500, Currency: "USD", ChargeRef: "ref_pend",
	})
	assert.ErrorIs(t, err, ErrRefundExceedsBalance)
}

func TestTransitionLifecycle(t *testing.T) {
	ledger, _ := newTestLedger(t)
	paymentID := uuid.New()
	ctx := context.Background()

	tx, err := ledger.RecordTransaction(ctx, paymentID, capture(100, 0, "ch_life"))
	require.NoError(t, err)

	tx, err = ledger.Transition(ctx, tx.ID, StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, tx.Status)

	tx, err = ledger.Transition(ctx, tx.ID, StatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, tx.Status)
	require.NotNil(t, tx.ProcessedAt)

	// Terminal rows ignore further transitions instead of failing.
	tx, err = ledger.Transition(ctx, tx.ID, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, tx.Status)
}

func TestTransitionInvalidStep(t *testing.T) {
	ledger, _ := newTestLedger(t)
	paymentID := uuid.New()
	ctx := context.Background()

	tx, err := ledger.RecordTransaction(ctx, paymentID, capture(100, 0, "ch_bad"))
	require.NoError(t, err)
	_, err = ledger.Transition(ctx, tx.ID, StatusProcessing)
	require.NoError(t, err)

	_, err = ledger.Transition(ctx, tx.ID, StatusPending)
	assert.ErrorIs(t, err, ErrInvariant)
}

func confirmation(orderID uuid.UUID, status contracts.PaymentEventStatus, ref string, amount int64) contracts.PaymentConfirmationMessage {
	return contracts.PaymentConfirmationMessage{
		EventID:       uuid.New().String(),
		OrderID:       orderID.String(),
		Status:        status,
		TransactionID: ref,
		Amount:        amount,
		Currency:      "USD",
	}
}

func TestHandleConfirmationCaptured(t *testing.T) {
	ledger, store := newTestLedger(t)
	orderID := uuid.New()
	ctx := context.Background()

	msg := confirmation(orderID, contracts.PaymentCaptured, "ch_conf", 4200)
	require.NoError(t, ledger.HandleConfirmation(ctx, msg, uuid.New()))

	p, err := store.GetPaymentByOrder(ctx, orderID)
	require.NoError(t, err)
	txs, err := store.ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TxCapture, txs[0].Type)
	assert.Equal(t, StatusSucceeded, txs[0].Status)
}

func TestHandleConfirmationReplay(t *testing.T) {
	ledger, store := newTestLedger(t)
	orderID := uuid.New()
	ctx := context.Background()
	fingerprint := uuid.New()

	msg := confirmation(orderID, contracts.PaymentCaptured, "ch_replay", 4200)
	require.NoError(t, ledger.HandleConfirmation(ctx, msg, fingerprint))
	require.NoError(t, ledger.HandleConfirmation(ctx, msg, fingerprint))

	p, err := store.GetPaymentByOrder(ctx, orderID)
	require.NoError(t, err)
	txs, err := store.ListByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "redelivered confirmation must not append a second row")
}

func TestHandleConfirmationFailedMarksExisting(t *testing.T) {
	ledger, store := newTestLedger(t)
	orderID := uuid.New()
	ctx := context.Background()

	auth := confirmation(orderID, contracts.PaymentAuthorized, "ch_fail", 900)
	require.NoError(t, ledger.HandleConfirmation(ctx, auth, uuid.New()))

	failed := confirmation(orderID, contracts.PaymentFailed, "ch_fail", 900)
	require.NoError(t, ledger.HandleConfirmation(ctx, failed, uuid.New()))

	tx, err := store.FindByChargeRef(ctx, "ch_fail")
	require.NoError(t, err)
	// The authorization already succeeded; the late failure is ignored on the
	// terminal row.
	assert.Equal(t, StatusSucceeded, tx.Status)
}

func TestHandleConfirmationFailedWithoutPriorRow(t *testing.T) {
	ledger, store := newTestLedger(t)
	orderID := uuid.New()
	ctx := context.Background()

	failed := confirmation(orderID, contracts.PaymentFailed, "ch_cold_fail", 900)
	require.NoError(t, ledger.HandleConfirmation(ctx, failed, uuid.New()))

	tx, err := store.FindByChargeRef(ctx, "ch_cold_fail")
	require.NoError(t, err)
	assert.Equal(t, TxAuthorize, tx.Type)
	assert.Equal(t, StatusFailed, tx.Status)
}
