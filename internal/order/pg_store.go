package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

// PGStore persists orders, their audit trail, held events and staged
// outbound tasks in Postgres. Transitions are conditional on the order
// version, so concurrent workers cannot double-apply.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, amount, currency, status, version, created_at, updated_at
		FROM orders
		WHERE id = $1`, id,
	).Scan(&o.ID, &o.UserID, &o.Amount, &o.Currency, &o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

func (s *PGStore) CreateOrder(ctx context.Context, o *Order, tasks []messaging.Task) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, amount, currency, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.UserID, o.Amount, o.Currency, o.Status, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertTasks(ctx, tx, "order_outbox", tasks); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PGStore) ListOrders(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, currency, status, version, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Amount, &o.Currency, &o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *PGStore) ListEvents(ctx context.Context, orderID uuid.UUID) ([]AppliedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, fingerprint, kind, from_status, to_status, note, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var result []AppliedEvent
	for rows.Next() {
		var e AppliedEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Fingerprint, &e.Kind, &e.FromStatus, &e.ToStatus, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PGStore) ApplyTransition(ctx context.Context, rec TransitionRecord) (idempotency.Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return idempotency.AlreadySeen, err
	}
	defer tx.Rollback(ctx)

	res, err := idempotency.CheckAndRecordTx(ctx, tx, idempotency.Key{
		EntityID:    rec.OrderID,
		EventType:   string(rec.Event.Kind),
		Fingerprint: rec.Event.Fingerprint,
	})
	if err != nil {
		return idempotency.AlreadySeen, err
	}
	if res == idempotency.AlreadySeen {
		return idempotency.AlreadySeen, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		rec.OrderID, rec.FromVersion, rec.ToStatus,
	)
	if err != nil {
		return idempotency.AlreadySeen, fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.AlreadySeen, ErrConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_events (order_id, fingerprint, kind, from_status, to_status, note)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.OrderID, rec.Event.Fingerprint, rec.Event.Kind, rec.FromStatus, rec.ToStatus, rec.Note,
	)
	if err != nil {
		return idempotency.AlreadySeen, fmt.Errorf("insert order event: %w", err)
	}

	if err := insertTasks(ctx, tx, "order_outbox", rec.Tasks); err != nil {
		return idempotency.AlreadySeen, err
	}

	if err := tx.Commit(ctx); err != nil {
		return idempotency.AlreadySeen, err
	}
	return idempotency.FirstSeen, nil
}

func (s *PGStore) HoldEvent(ctx context.Context, h HeldEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_pending_events (order_id, fingerprint, kind, payload, next_attempt_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, fingerprint) DO NOTHING`,
		h.OrderID, h.Fingerprint, h.Kind, h.Payload, h.NextAttemptAt, h.Deadline,
	)
	if err != nil {
		return fmt.Errorf("hold event: %w", err)
	}
	return nil
}

func (s *PGStore) PendingForOrder(ctx context.Context, orderID uuid.UUID) ([]HeldEvent, error) {
	return s.queryHeld(ctx, `
		SELECT id, order_id, fingerprint, kind, payload, attempts, next_attempt_at, deadline, created_at
		FROM order_pending_events
		WHERE order_id = $1
		ORDER BY id`, orderID)
}

func (s *PGStore) DuePending(ctx context.Context, now time.Time, limit int) ([]HeldEvent, error) {
	return s.queryHeld(ctx, `
		SELECT id, order_id, fingerprint, kind, payload, attempts, next_attempt_at, deadline, created_at
		FROM order_pending_events
		WHERE next_attempt_at <= $1
		ORDER BY id
		LIMIT $2`, now, limit)
}

func (s *PGStore) queryHeld(ctx context.Context, query string, args ...any) ([]HeldEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var result []HeldEvent
	for rows.Next() {
		var h HeldEvent
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Fingerprint, &h.Kind, &h.Payload, &h.Attempts, &h.NextAttemptAt, &h.Deadline, &h.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *PGStore) DeletePending(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM order_pending_events WHERE id = $1`, id)
	return err
}

func (s *PGStore) DeferPending(ctx context.Context, id int64, attempts int, nextAttempt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE order_pending_events
		SET attempts = $2, next_attempt_at = $3
		WHERE id = $1`,
		id, attempts, nextAttempt,
	)
	return err
}

func (s *PGStore) ExpirePending(ctx context.Context, h HeldEvent, task messaging.Task) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM order_pending_events WHERE id = $1`, h.ID); err != nil {
		return fmt.Errorf("delete pending event: %w", err)
	}
	if err := insertTasks(ctx, tx, "order_outbox", []messaging.Task{task}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTasks(ctx context.Context, tx pgx.Tx, table string, tasks []messaging.Task) error {
	for _, t := range tasks {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (event_id, routing_key, payload)
			VALUES ($1, $2, $3)`, table),
			uuid.New(), t.RoutingKey, t.Payload,
		)
		if err != nil {
			return fmt.Errorf("insert outbox task: %w", err)
		}
	}
	return nil
}
