// Package notification owns delivery attempts for outbound notifications:
// enqueue, claim, send, and the bounded exponential backoff between failed
// attempts.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

var ErrUnknownChannel = errors.New("unknown notification channel")

type Store interface {
	// Enqueue inserts a QUEUED delivery; a duplicate notification id is a
	// no-op.
	Enqueue(ctx context.Context, d *Delivery) error
	// ClaimDue atomically moves due QUEUED/RETRY_SCHEDULED rows to SENDING
	// and returns them. A claimed row is invisible to other claimers, which
	// is the per-notification mutual exclusion.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, lastErr string) error
	// MarkExhausted finalizes the delivery and stages the failure report in
	// the same transaction.
	MarkExhausted(ctx context.Context, id uuid.UUID, lastErr string, report messaging.Task) error
}

type Options struct {
	BaseDelay    time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	BatchSize    int
	PollInterval time.Duration
}

type Scheduler struct {
	store   Store
	senders map[contracts.Channel]Sender
	dedup   idempotency.Ledger
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
}

func NewScheduler(store Store, senders map[contracts.Channel]Sender, dedup idempotency.Ledger, logger *slog.Logger, opts Options) *Scheduler {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Scheduler{
		store:   store,
		senders: senders,
		dedup:   dedup,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// HandleRequest consumes one notification request envelope and enqueues its
// delivery. Redeliveries of the same fingerprint enqueue nothing.
func (s *Scheduler) HandleRequest(ctx context.Context, msg contracts.NotificationRequestMessage, fingerprint uuid.UUID) error {
	if _, ok := s.senders[msg.Channel]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	orderID, err := uuid.Parse(msg.OrderID)
	if err != nil {
		return fmt.Errorf("invalid order id: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	now := s.now().UTC()
	if err := s.store.Enqueue(ctx, &Delivery{
		ID:             uuid.New(),
		NotificationID: fingerprint,
		OrderID:        orderID,
		Channel:        msg.Channel,
		Recipient:      msg.Recipient,
		Template:       msg.Template,
		Payload:        payload,
		Status:         StatusQueued,
		MaxAttempts:    s.opts.MaxAttempts,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return err
	}

	// The fingerprint is recorded only once the enqueue is durable. Recording
	// first would turn a redelivery after a failed enqueue into a silent
	// drop: the replay would see AlreadySeen and never enqueue. The insert
	// itself dedups on notification_id, so a lost record costs one no-op
	// insert, never a lost delivery.
	res, err := s.dedup.CheckAndRecord(ctx, idempotency.Key{
		EntityID:    orderID,
		EventType:   "notification",
		Fingerprint: fingerprint,
	})
	if err != nil {
		s.logger.Warn("record notification fingerprint", "fingerprint", fingerprint, "err", err)
		return nil
	}
	if res == idempotency.AlreadySeen {
		s.logger.Debug("duplicate notification request", "fingerprint", fingerprint)
	}
	return nil
}

// Run polls for due deliveries until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.ProcessDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue claims one batch of due deliveries and sends them, each in its
// own goroutine. Claiming marks rows SENDING, so no delivery is ever worked
// by two attempts at once.
func (s *Scheduler) ProcessDue(ctx context.Context) {
	due, err := s.store.ClaimDue(ctx, s.now().UTC(), s.opts.BatchSize)
	if err != nil {
		s.logger.Error("claim due deliveries", "err", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, d := range due {
		wg.Add(1)
		go func(d Delivery) {
			defer wg.Done()
			s.attempt(ctx, d)
		}(d)
	}
	wg.Wait()
}

func (s *Scheduler) attempt(ctx context.Context, d Delivery) {
	sender, ok := s.senders[d.Channel]
	if !ok {
		s.finalize(ctx, d, "no sender for channel "+string(d.Channel))
		return
	}

	err := sender.Send(ctx, &d)
	if err == nil {
		if err := s.store.MarkDelivered(ctx, d.ID); err != nil {
			s.logger.Error("mark delivered", "delivery_id", d.ID, "err", err)
		}
		return
	}

	// Transient failure: schedule the next attempt or give up.
	if d.RetryCount >= d.MaxAttempts {
		s.finalize(ctx, d, err.Error())
		return
	}

	delay := nextBackoff(s.opts.BaseDelay, d.RetryCount, s.opts.MaxBackoff)
	nextAt := s.now().UTC().Add(delay)
	s.logger.Warn("notification send failed, retry scheduled",
		"delivery_id", d.ID, "channel", d.Channel, "retry_count", d.RetryCount+1,
		"next_retry_at", nextAt, "err", err)
	if err := s.store.ScheduleRetry(ctx, d.ID, d.RetryCount+1, nextAt, err.Error()); err != nil {
		s.logger.Error("schedule retry", "delivery_id", d.ID, "err", err)
	}
}

// finalize marks the delivery exhausted and reports it; a reported failure,
// not a fatal one.
func (s *Scheduler) finalize(ctx context.Context, d Delivery, lastErr string) {
	s.logger.Error("notification delivery exhausted",
		"delivery_id", d.ID, "notification_id", d.NotificationID,
		"channel", d.Channel, "attempts", d.RetryCount+1, "err", lastErr)

	payload, err := json.Marshal(contracts.AuditEventTask{
		EventID:    uuid.New().String(),
		Action:     "notification.exhausted",
		EntityKind: "notification",
		EntityID:   d.NotificationID.String(),
		Detail: map[string]string{
			"channel":    string(d.Channel),
			"order_id":   d.OrderID.String(),
			"last_error": lastErr,
		},
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("marshal exhaustion report", "delivery_id", d.ID, "err", err)
		return
	}
	report := messaging.Task{RoutingKey: contracts.KeyAuditEvent, Payload: payload}
	if err := s.store.MarkExhausted(ctx, d.ID, lastErr, report); err != nil {
		s.logger.Error("mark exhausted", "delivery_id", d.ID, "err", err)
	}
}
