// Package idempotency records which events have already been applied to
// which entity, so at-least-once redeliveries become no-ops. The check is a
// single atomic check-and-set: under concurrent delivery of the same event
// exactly one caller sees FirstSeen.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Result int

const (
	FirstSeen Result = iota
	AlreadySeen
)

func (r Result) String() string {
	if r == FirstSeen {
		return "first_seen"
	}
	return "already_seen"
}

// Key identifies one application of one event to one entity.
type Key struct {
	EntityID    uuid.UUID
	EventType   string
	Fingerprint uuid.UUID
}

func (k Key) String() string {
	return fmt.Sprintf("idem:%s:%s:%s", k.EntityID, k.EventType, k.Fingerprint)
}

type Ledger interface {
	CheckAndRecord(ctx context.Context, key Key) (Result, error)
}

// CheckAndRecordTx runs the check inside the caller's transaction, so the
// record commits (or rolls back) together with the state mutation it guards.
func CheckAndRecordTx(ctx context.Context, tx pgx.Tx, key Key) (Result, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (entity_id, event_type, fingerprint)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, event_type, fingerprint) DO NOTHING`,
		key.EntityID, key.EventType, key.Fingerprint,
	)
	if err != nil {
		return AlreadySeen, fmt.Errorf("insert processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return AlreadySeen, nil
	}
	return FirstSeen, nil
}

// PGLedger is the standalone variant for callers without a surrounding
// transaction.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) CheckAndRecord(ctx context.Context, key Key) (Result, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO processed_events (entity_id, event_type, fingerprint)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, event_type, fingerprint) DO NOTHING`,
		key.EntityID, key.EventType, key.Fingerprint,
	)
	if err != nil {
		return AlreadySeen, fmt.Errorf("insert processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return AlreadySeen, nil
	}
	return FirstSeen, nil
}

// Sweep removes records older than the retention window. Retention must
// exceed the transport's maximum redelivery delay, otherwise a swept record
// lets a late redelivery apply twice.
func (l *PGLedger) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM processed_events
		WHERE first_seen < NOW() - $1::interval`,
		retention.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartSweeper deletes expired records on a fixed cadence until ctx ends.
func (l *PGLedger) StartSweeper(ctx context.Context, every, retention time.Duration, logf func(msg string, args ...any)) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := l.Sweep(ctx, retention); err != nil {
					logf("idempotency sweep failed", "err", err)
				} else if n > 0 {
					logf("idempotency sweep removed records", "count", n)
				}
			}
		}
	}()
}
