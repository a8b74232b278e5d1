package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMethodNotFound = errors.New("payment method not found")

// Methods manages stored payment methods. The partial unique index on
// payment_methods keeps at most one active default per user; SetDefault
// clears the old default in the same transaction so the constraint never
// trips under normal flow.
type Methods struct {
	pool *pgxpool.Pool
}

func NewMethods(pool *pgxpool.Pool) *Methods {
	return &Methods{pool: pool}
}

func (m *Methods) Create(ctx context.Context, userID uuid.UUID, methodType MethodType, makeDefault bool) (*Method, error) {
	switch methodType {
	case MethodCard, MethodBankAccount, MethodWallet, MethodBuyNowPayLater, MethodBankTransfer, MethodOther:
	default:
		return nil, fmt.Errorf("unknown payment method type %q", methodType)
	}

	now := time.Now().UTC()
	method := &Method{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      methodType,
		Default:   makeDefault,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if makeDefault {
		if _, err := tx.Exec(ctx, `
			UPDATE payment_methods
			SET is_default = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND is_default AND active`, userID,
		); err != nil {
			return nil, fmt.Errorf("clear default method: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_methods (id, user_id, method, is_default, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		method.ID, method.UserID, method.Type, method.Default, method.Active, method.CreatedAt, method.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert payment method: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return method, nil
}

func (m *Methods) SetDefault(ctx context.Context, userID, methodID uuid.UUID) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE payment_methods
		SET is_default = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND is_default AND active`, userID,
	); err != nil {
		return fmt.Errorf("clear default method: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE payment_methods
		SET is_default = TRUE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND active`,
		methodID, userID,
	)
	if err != nil {
		return fmt.Errorf("set default method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMethodNotFound
	}

	return tx.Commit(ctx)
}

func (m *Methods) List(ctx context.Context, userID uuid.UUID) ([]Method, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, user_id, method, is_default, active, created_at, updated_at
		FROM payment_methods
		WHERE user_id = $1 AND active
		ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	defer rows.Close()

	var result []Method
	for rows.Next() {
		var method Method
		if err := rows.Scan(&method.ID, &method.UserID, &method.Type, &method.Default, &method.Active, &method.CreatedAt, &method.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, method)
	}
	return result, rows.Err()
}
