package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
)

const uniqueViolation = "23505"

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) EnsurePayment(ctx context.Context, orderID uuid.UUID, currency string) (*Payment, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, currency)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING`,
		uuid.New(), orderID, currency,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure payment: %w", err)
	}
	return s.GetPaymentByOrder(ctx, orderID)
}

func (s *PGStore) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*Payment, error) {
	var p Payment
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, currency, created_at, updated_at
		FROM payments
		WHERE order_id = $1`, orderID,
	).Scan(&p.ID, &p.OrderID, &p.Currency, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

const txColumns = `id, payment_id, tx_type, amount, currency, fee, net_amount, status,
	COALESCE(charge_ref, ''), processed_at, settled_at, created_at, updated_at`

func scanTx(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.PaymentID, &t.Type, &t.Amount, &t.Currency, &t.Fee, &t.NetAmount,
		&t.Status, &t.ChargeRef, &t.ProcessedAt, &t.SettledAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	t, err := scanTx(s.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM payment_transactions
		WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *PGStore) FindByChargeRef(ctx context.Context, ref string) (*Transaction, error) {
	t, err := scanTx(s.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM payment_transactions
		WHERE charge_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("find by charge ref: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM payment_transactions
		WHERE payment_id = $1
		ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PGStore) RefundableBalance(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var captured, refunded int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE tx_type = 'CAPTURE' AND status = 'SUCCEEDED'), 0),
			COALESCE(SUM(amount) FILTER (WHERE tx_type = 'REFUND' AND status <> 'FAILED' AND status <> 'CANCELED'), 0)
		FROM payment_transactions
		WHERE payment_id = $1`, paymentID,
	).Scan(&captured, &refunded)
	if err != nil {
		return 0, fmt.Errorf("refundable balance: %w", err)
	}
	return captured - refunded, nil
}

func (s *PGStore) Insert(ctx context.Context, t *Transaction, key idempotency.Key) (idempotency.Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return idempotency.AlreadySeen, err
	}
	defer tx.Rollback(ctx)

	if key.Fingerprint != uuid.Nil {
		res, err := idempotency.CheckAndRecordTx(ctx, tx, key)
		if err != nil {
			return idempotency.AlreadySeen, err
		}
		if res == idempotency.AlreadySeen {
			return idempotency.AlreadySeen, nil
		}
	}

	var chargeRef any
	if t.ChargeRef != "" {
		chargeRef = t.ChargeRef
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payment_transactions
			(id, payment_id, tx_type, amount, currency, fee, net_amount, status, charge_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.PaymentID, t.Type, t.Amount, t.Currency, t.Fee, t.NetAmount, t.Status, chargeRef, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return idempotency.AlreadySeen, ErrDuplicateChargeRef
		}
		return idempotency.AlreadySeen, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return idempotency.AlreadySeen, err
	}
	return idempotency.FirstSeen, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id uuid.UUID, to TxStatus, processedAt *time.Time) (*Transaction, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $2,
		    processed_at = COALESCE($3, processed_at),
		    updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')`,
		id, to, processedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update transaction status: %w", err)
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, tag.RowsAffected() > 0, nil
}
