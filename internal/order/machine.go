// Package order owns the per-order lifecycle state machine. Orders advance
// on inbound payment, inventory and shipping confirmations; every accepted
// event bumps the order version exactly once and lands in the audit trail.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/contracts"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrConflict is an optimistic version mismatch; the caller re-reads and
	// reapplies.
	ErrConflict = errors.New("order version conflict")
	// ErrUnsupportedEvent marks an event whose status string has no meaning
	// in the transition rules.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// TransitionRecord is everything one accepted event commits atomically: the
// idempotency record, the conditional status/version update, the audit row
// and the outbound tasks.
type TransitionRecord struct {
	OrderID     uuid.UUID
	FromVersion int64
	FromStatus  Status
	ToStatus    Status
	Event       Event
	Note        string
	Tasks       []messaging.Task
}

type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	CreateOrder(ctx context.Context, o *Order, tasks []messaging.Task) error
	ListOrders(ctx context.Context, userID uuid.UUID) ([]Order, error)
	ListEvents(ctx context.Context, orderID uuid.UUID) ([]AppliedEvent, error)

	// ApplyTransition commits rec in one transaction. AlreadySeen means the
	// fingerprint was recorded before and nothing was written.
	ApplyTransition(ctx context.Context, rec TransitionRecord) (idempotency.Result, error)

	HoldEvent(ctx context.Context, h HeldEvent) error
	PendingForOrder(ctx context.Context, orderID uuid.UUID) ([]HeldEvent, error)
	DuePending(ctx context.Context, now time.Time, limit int) ([]HeldEvent, error)
	DeletePending(ctx context.Context, id int64) error
	DeferPending(ctx context.Context, id int64, attempts int, nextAttempt time.Time) error
	// ExpirePending drops a held event past its deadline and stages the
	// unresolved-ordering report task in the same transaction.
	ExpirePending(ctx context.Context, h HeldEvent, task messaging.Task) error
}

// StatusListener receives accepted status changes after commit. The
// websocket hub implements it.
type StatusListener interface {
	BroadcastOrderUpdate(orderID, status string)
}

type Options struct {
	MaxHoldWait     time.Duration
	MaxHoldAttempts int
	ConflictRetries int
}

type Machine struct {
	store    Store
	logger   *slog.Logger
	listener StatusListener
	locks    *keyMutex
	opts     Options
}

func NewMachine(store Store, logger *slog.Logger, listener StatusListener, opts Options) *Machine {
	if opts.MaxHoldWait <= 0 {
		opts.MaxHoldWait = 10 * time.Minute
	}
	if opts.MaxHoldAttempts <= 0 {
		opts.MaxHoldAttempts = 10
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	return &Machine{
		store:    store,
		logger:   logger,
		listener: listener,
		locks:    newKeyMutex(),
		opts:     opts,
	}
}

// Create registers a new order in CREATED and stages its announcement task.
func (m *Machine) Create(ctx context.Context, userID uuid.UUID, amount int64, currency string) (*Order, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	o := &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusCreated,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks, err := statusTasks(o, "", StatusCreated, false)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateOrder(ctx, o, tasks); err != nil {
		return nil, err
	}
	return o, nil
}

func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return m.store.GetOrder(ctx, id)
}

func (m *Machine) List(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	return m.store.ListOrders(ctx, userID)
}

func (m *Machine) Events(ctx context.Context, orderID uuid.UUID) ([]AppliedEvent, error) {
	return m.store.ListEvents(ctx, orderID)
}

// ApplyEvent runs one inbound event through the transition rules. Replays of
// an already-applied fingerprint succeed without side effects; premature
// events are parked and re-applied once the order catches up.
func (m *Machine) ApplyEvent(ctx context.Context, evt Event) error {
	m.locks.Lock(evt.OrderID)
	defer m.locks.Unlock(evt.OrderID)

	progressed, err := m.applyLocked(ctx, evt)
	if err != nil {
		return err
	}
	if progressed {
		m.drainPending(ctx, evt.OrderID)
	}
	return nil
}

// applyLocked applies one event under the per-order lock. It reports whether
// a status change was committed, which is what makes held events worth
// re-checking.
func (m *Machine) applyLocked(ctx context.Context, evt Event) (bool, error) {
	for attempt := 0; ; attempt++ {
		o, err := m.store.GetOrder(ctx, evt.OrderID)
		if err != nil {
			return false, err
		}

		next, dec, note := evaluate(o.Status, evt)
		switch dec {
		case decisionReject:
			return false, fmt.Errorf("%w: %s", ErrUnsupportedEvent, note)

		case decisionHold:
			if err := m.holdEvent(ctx, evt); err != nil {
				return false, err
			}
			m.logger.Info("event held out of order",
				"order_id", evt.OrderID, "kind", evt.Kind, "status", evt.Status)
			return false, nil

		case decisionApply, decisionAudit:
			changed := dec == decisionApply
			tasks, err := transitionTasks(o, next, changed, note, evt)
			if err != nil {
				return false, err
			}
			rec := TransitionRecord{
				OrderID:     o.ID,
				FromVersion: o.Version,
				FromStatus:  o.Status,
				ToStatus:    next,
				Event:       evt,
				Note:        note,
				Tasks:       tasks,
			}
			res, err := m.store.ApplyTransition(ctx, rec)
			if errors.Is(err, ErrConflict) {
				if attempt < m.opts.ConflictRetries {
					continue
				}
				return false, fmt.Errorf("apply event to order %s: %w", o.ID, err)
			}
			if err != nil {
				return false, err
			}
			if res == idempotency.AlreadySeen {
				m.logger.Debug("duplicate event skipped",
					"order_id", o.ID, "fingerprint", evt.Fingerprint)
				return false, nil
			}
			if changed {
				m.logger.Info("order transitioned",
					"order_id", o.ID, "from", o.Status, "to", next, "kind", evt.Kind)
				if m.listener != nil {
					m.listener.BroadcastOrderUpdate(o.ID.String(), string(next))
				}
			}
			return changed, nil

		default:
			return false, fmt.Errorf("%w: unhandled decision", ErrUnsupportedEvent)
		}
	}
}

func (m *Machine) holdEvent(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal held event: %w", err)
	}
	now := time.Now().UTC()
	return m.store.HoldEvent(ctx, HeldEvent{
		OrderID:       evt.OrderID,
		Fingerprint:   evt.Fingerprint,
		Kind:          evt.Kind,
		Payload:       payload,
		NextAttemptAt: now.Add(holdDelay(0)),
		Deadline:      now.Add(m.opts.MaxHoldWait),
	})
}

// drainPending replays this order's held events after a status change, in
// arrival order, until a pass makes no further progress. Runs under the
// per-order lock.
func (m *Machine) drainPending(ctx context.Context, orderID uuid.UUID) {
	for {
		held, err := m.store.PendingForOrder(ctx, orderID)
		if err != nil {
			m.logger.Error("load pending events", "order_id", orderID, "err", err)
			return
		}
		progressed := false
		for _, h := range held {
			applied, changed := m.tryHeld(ctx, h)
			if applied || changed {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// tryHeld re-runs one held event. Returns whether the row was resolved and
// whether the order's status changed.
func (m *Machine) tryHeld(ctx context.Context, h HeldEvent) (resolved, changed bool) {
	var evt Event
	if err := json.Unmarshal(h.Payload, &evt); err != nil {
		m.logger.Error("corrupt held event dropped", "pending_id", h.ID, "err", err)
		_ = m.store.DeletePending(ctx, h.ID)
		return true, false
	}

	o, err := m.store.GetOrder(ctx, evt.OrderID)
	if err != nil {
		return false, false
	}
	next, dec, note := evaluate(o.Status, evt)
	if dec == decisionHold {
		return false, false
	}
	if dec == decisionReject {
		m.logger.Warn("held event no longer valid", "pending_id", h.ID, "note", note)
		_ = m.store.DeletePending(ctx, h.ID)
		return true, false
	}

	isChange := dec == decisionApply
	tasks, err := transitionTasks(o, next, isChange, note, evt)
	if err != nil {
		m.logger.Error("build tasks for held event", "pending_id", h.ID, "err", err)
		return false, false
	}
	res, err := m.store.ApplyTransition(ctx, TransitionRecord{
		OrderID:     o.ID,
		FromVersion: o.Version,
		FromStatus:  o.Status,
		ToStatus:    next,
		Event:       evt,
		Note:        note,
		Tasks:       tasks,
	})
	if err != nil {
		// Conflict or transient failure: the sweep retries it later.
		return false, false
	}
	if err := m.store.DeletePending(ctx, h.ID); err != nil {
		m.logger.Error("delete pending event", "pending_id", h.ID, "err", err)
	}
	if res == idempotency.FirstSeen && isChange {
		m.logger.Info("held event applied",
			"order_id", o.ID, "from", o.Status, "to", next, "kind", evt.Kind)
		if m.listener != nil {
			m.listener.BroadcastOrderUpdate(o.ID.String(), string(next))
		}
		return true, true
	}
	return true, false
}

// SweepPending re-drives held events that are due, and drops the ones past
// their deadline or attempt budget as unresolved. An unresolved drop is
// reported through the audit topic, not raised as an error.
func (m *Machine) SweepPending(ctx context.Context, limit int) {
	now := time.Now().UTC()
	due, err := m.store.DuePending(ctx, now, limit)
	if err != nil {
		m.logger.Error("load due pending events", "err", err)
		return
	}

	for _, h := range due {
		m.locks.Lock(h.OrderID)
		resolved, changed := m.tryHeld(ctx, h)
		switch {
		case resolved:
			// Row is gone, nothing more to do.
		case h.Attempts+1 >= m.opts.MaxHoldAttempts || now.After(h.Deadline):
			m.expireHeld(ctx, h)
		default:
			next := now.Add(holdDelay(h.Attempts + 1))
			if err := m.store.DeferPending(ctx, h.ID, h.Attempts+1, next); err != nil {
				m.logger.Error("defer pending event", "pending_id", h.ID, "err", err)
			}
		}
		if changed {
			m.drainPending(ctx, h.OrderID)
		}
		m.locks.Unlock(h.OrderID)
	}
}

func (m *Machine) expireHeld(ctx context.Context, h HeldEvent) {
	m.logger.Warn("held event unresolved, dropping",
		"order_id", h.OrderID, "fingerprint", h.Fingerprint, "kind", h.Kind, "attempts", h.Attempts)

	task, err := taskJSON(contracts.KeyAuditEvent, contracts.AuditEventTask{
		EventID:    uuid.New().String(),
		Action:     "ordering.unresolved",
		EntityKind: "order",
		EntityID:   h.OrderID.String(),
		Detail: map[string]string{
			"kind":        string(h.Kind),
			"fingerprint": h.Fingerprint.String(),
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("build unresolved report", "pending_id", h.ID, "err", err)
		return
	}
	if err := m.store.ExpirePending(ctx, h, task); err != nil {
		m.logger.Error("expire pending event", "pending_id", h.ID, "err", err)
	}
}

// holdDelay spaces re-application attempts of a held event.
func holdDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	d := time.Duration(1<<attempts) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
