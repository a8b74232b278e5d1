package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Enqueue(ctx context.Context, d *Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_deliveries
			(id, notification_id, order_id, channel, recipient, template, payload,
			 status, retry_count, max_attempts, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (notification_id) DO NOTHING`,
		d.ID, d.NotificationID, d.OrderID, d.Channel, d.Recipient, d.Template, d.Payload,
		d.Status, d.RetryCount, d.MaxAttempts, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// ClaimDue flips due rows to SENDING inside one transaction; SKIP LOCKED
// keeps concurrent workers off each other's claims.
func (s *PGStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, notification_id, order_id, channel, recipient, template, payload,
		       status, retry_count, max_attempts, next_retry_at, last_error, created_at, updated_at
		FROM notification_deliveries
		WHERE status IN ('QUEUED', 'RETRY_SCHEDULED')
		  AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}

	var items []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.NotificationID, &d.OrderID, &d.Channel, &d.Recipient,
			&d.Template, &d.Payload, &d.Status, &d.RetryCount, &d.MaxAttempts,
			&d.NextRetryAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range items {
		if _, err := tx.Exec(ctx, `
			UPDATE notification_deliveries
			SET status = 'SENDING', updated_at = NOW()
			WHERE id = $1`, d.ID,
		); err != nil {
			return nil, fmt.Errorf("claim delivery: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PGStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = 'DELIVERED', updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'`, id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *PGStore) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = 'RETRY_SCHEDULED',
		    retry_count = $2,
		    next_retry_at = $3,
		    last_error = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'`,
		id, retryCount, nextAt, lastErr,
	)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

func (s *PGStore) MarkExhausted(ctx context.Context, id uuid.UUID, lastErr string, report messaging.Task) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = 'EXHAUSTED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'`,
		id, lastErr,
	); err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO notification_outbox (event_id, routing_key, payload)
		VALUES ($1, $2, $3)`,
		uuid.New(), report.RoutingKey, report.Payload,
	); err != nil {
		return fmt.Errorf("stage exhaustion report: %w", err)
	}

	return tx.Commit(ctx)
}
