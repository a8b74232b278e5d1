package order

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/idempotency"
	"github.com/hmonster013/ecommerce-microservice-sub009/pkg/messaging"
)

// fakeStore is an in-memory Store keeping the same contract as the Postgres
// one: fingerprint dedup, optimistic version check, staged tasks.
type fakeStore struct {
	orders    map[uuid.UUID]*Order
	seen      map[string]bool
	pending   []HeldEvent
	nextPend  int64
	tasks     []messaging.Task
	audits    []AppliedEvent
	expired   []HeldEvent
	conflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[uuid.UUID]*Order),
		seen:   make(map[string]bool),
	}
}

func (s *fakeStore) addOrder(status Status) *Order {
	o := &Order{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Amount:   2500,
		Currency: "USD",
		Status:   status,
	}
	s.orders[o.ID] = o
	return o
}

func (s *fakeStore) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) CreateOrder(_ context.Context, o *Order, tasks []messaging.Task) error {
	s.orders[o.ID] = o
	s.tasks = append(s.tasks, tasks...)
	return nil
}

func (s *fakeStore) ListOrders(_ context.Context, userID uuid.UUID) ([]Order, error) {
	var out []Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) ListEvents(_ context.Context, orderID uuid.UUID) ([]AppliedEvent, error) {
	var out []AppliedEvent
	for _, e := range s.audits {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyTransition(_ context.Context, rec TransitionRecord) (idempotency.Result, error) {
	dedupKey := rec.OrderID.String() + "/" + string(rec.Event.Kind) + "/" + rec.Event.Fingerprint.String()
	if s.seen[dedupKey] {
		return idempotency.AlreadySeen, nil
	}
	if s.conflicts > 0 {
		s.conflicts--
		return idempotency.FirstSeen, ErrConflict
	}
	o := s.orders[rec.OrderID]
	if o.Version != rec.FromVersion {
		return idempotency.FirstSeen, ErrConflict
	}
	s.seen[dedupKey] = true
	o.Status = rec.ToStatus
	o.Version++
	s.audits = append(s.audits, AppliedEvent{
		OrderID:     rec.OrderID,
		Fingerprint: rec.Event.Fingerprint,
		Kind:        rec.Event.Kind,
		FromStatus:  rec.FromStatus,
		ToStatus:    rec.ToStatus,
		Note:        rec.Note,
	})
	s.tasks = append(s.tasks, rec.Tasks...)
	return idempotency.FirstSeen, nil
}

func (s *fakeStore) HoldEvent(_ context.Context, h HeldEvent) error {
	for _, p := range s.pending {
		if p.OrderID == h.OrderID && p.Fingerprint == h.Fingerprint {
			return nil
		}
	}
	s.nextPend++
	h.ID = s.nextPend
	s.pending = append(s.pending, h)
	return nil
}

func (s *fakeStore) PendingForOrder(_ context.Context, orderID uuid.UUID) ([]HeldEvent, error) {
	var out []HeldEvent
	for _, p := range s.pending {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) DuePending(_ context.Context, now time.Time, limit int) ([]HeldEvent, error) {
	var out []HeldEvent
	for _, p := range s.pending {
		if !p.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) DeletePending(_ context.Context, id int64) error {
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) DeferPending(_ context.Context, id int64, attempts int, nextAttempt time.Time) error {
	for i := range s.pending {
		if s.pending[i].ID == id {
			s.pending[i].Attempts = attempts
			s.pending[i].NextAttemptAt = nextAttempt
		}
	}
	return nil
}

func (s *fakeStore) ExpirePending(_ context.Context, h HeldEvent, task messaging.Task) error {
	s.expired = append(s.expired, h)
	s.tasks = append(s.tasks, task)
	return s.DeletePending(context.Background(), h.ID)
}

func (s *fakeStore) taskKeys() []string {
	keys := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		keys = append(keys, t.RoutingKey)
	}
	return keys
}

type recordedBroadcast struct {
	orderID string
	status  string
}

type fakeListener struct {
	updates []recordedBroadcast
}

func (l *fakeListener) BroadcastOrderUpdate(orderID, status string) {
	l.updates = append(l.updates, recordedBroadcast{orderID, status})
}

func newTestMachine(store *fakeStore, listener StatusListener) *Machine {
	return NewMachine(store, slog.Default(), listener, Options{
		MaxHoldWait:     time.Minute,
		MaxHoldAttempts: 3,
		ConflictRetries: 3,
	})
}

func paymentEvent(orderID uuid.UUID, status string) Event {
	return Event{Fingerprint: uuid.New(), OrderID: orderID, Kind: KindPayment, Status: status}
}

func TestApplyEventAdvancesStatus(t *testing.T) {
	store := newFakeStore()
	listener := &fakeListener{}
	m := newTestMachine(store, listener)
	o := store.addOrder(StatusCreated)

	err := m.ApplyEvent(context.Background(), paymentEvent(o.ID, "CAPTURED"))
	require.NoError(t, err)

	got, _ := store.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusPaymentConfirmed, got.Status)
	assert.Equal(t, int64(1), got.Version)

	// Confirmed status fans out the status fact, a notification and analytics.
	assert.ElementsMatch(t, []string{"order.processing", "email.send", "analytics.event"}, store.taskKeys())
	require.Len(t, listener.updates, 1)
	assert.Equal(t, string(StatusPaymentConfirmed), listener.updates[0].status)
}

func TestApplyEventDuplicateIsNoOp(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)

	evt := paymentEvent(o.ID, "CAPTURED")
	require.NoError(t, m.ApplyEvent(context.Background(), evt))
	tasksAfterFirst := len(store.tasks)

	require.NoError(t, m.ApplyEvent(context.Background(), evt))

	got, _ := store.GetOrder(context.Background(), o.ID)
	assert.Equal(t, int64(1), got.Version, "replay must not bump the version")
	assert.Len(t, store.tasks, tasksAfterFirst, "replay must not stage new tasks")
}

func TestApplyEventAuditOnlyBumpsVersion(t *testing.T) {
	store := newFakeStore()
	listener := &fakeListener{}
	m := newTestMachine(store, listener)
	o := store.addOrder(StatusPaymentConfirmed)

	err := m.ApplyEvent(context.Background(), paymentEvent(o.ID, "AUTHORIZED"))
	require.NoError(t, err)

	got, _ := store.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusPaymentConfirmed, got.Status)
	assert.Equal(t, int64(1), got.Version, "accepted audit event still bumps the version")
	assert.Equal(t, []string{"audit.event"}, store.taskKeys())
	assert.Empty(t, listener.updates, "no broadcast without a status change")
}

func TestApplyEventRejectsUnknownStatus(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)

	err := m.ApplyEvent(context.Background(), paymentEvent(o.ID, "VOIDED"))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestApplyEventUnknownOrder(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)

	err := m.ApplyEvent(context.Background(), paymentEvent(uuid.New(), "CAPTURED"))
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOutOfOrderShippingHeldThenDrained(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	ctx := context.Background()

	shipped := Event{Fingerprint: uuid.New(), OrderID: o.ID, Kind: KindShipping, Status: "SHIPPED"}
	require.NoError(t, m.ApplyEvent(ctx, shipped))
	got, _ := store.GetOrder(ctx, o.ID)
	assert.Equal(t, StatusCreated, got.Status, "premature shipment must not advance the order")
	require.Len(t, store.pending, 1)

	// The capture unblocks the held shipment in the same drain pass; no
	// redelivery of the shipping event is needed.
	require.NoError(t, m.ApplyEvent(ctx, paymentEvent(o.ID, "CAPTURED")))
	got, _ = store.GetOrder(ctx, o.ID)
	assert.Equal(t, StatusShipped, got.Status)
	assert.Empty(t, store.pending)
}

func TestOutOfOrderDeliveryChainDrains(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	ctx := context.Background()

	delivered := Event{Fingerprint: uuid.New(), OrderID: o.ID, Kind: KindShipping, Status: "DELIVERED"}
	shipped := Event{Fingerprint: uuid.New(), OrderID: o.ID, Kind: KindShipping, Status: "SHIPPED"}
	require.NoError(t, m.ApplyEvent(ctx, delivered))
	require.NoError(t, m.ApplyEvent(ctx, shipped))
	require.Len(t, store.pending, 2)

	require.NoError(t, m.ApplyEvent(ctx, paymentEvent(o.ID, "CAPTURED")))

	// One capture resolves the whole held chain: SHIPPED then DELIVERED.
	got, _ := store.GetOrder(ctx, o.ID)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Empty(t, store.pending)
}

func TestHeldEventDuplicateCollapses(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	ctx := context.Background()

	evt := Event{Fingerprint: uuid.New(), OrderID: o.ID, Kind: KindShipping, Status: "DELIVERED"}
	require.NoError(t, m.ApplyEvent(ctx, evt))
	require.NoError(t, m.ApplyEvent(ctx, evt))
	assert.Len(t, store.pending, 1, "redelivered premature event parks once")
}

func TestConflictRetryReappliesAgainstFreshState(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	store.conflicts = 2

	err := m.ApplyEvent(context.Background(), paymentEvent(o.ID, "CAPTURED"))
	require.NoError(t, err)

	got, _ := store.GetOrder(context.Background(), o.ID)
	assert.Equal(t, StatusPaymentConfirmed, got.Status)
}

func TestConflictRetryGivesUp(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	store.conflicts = 10

	err := m.ApplyEvent(context.Background(), paymentEvent(o.ID, "CAPTURED"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSweepPendingExpiresPastDeadline(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	ctx := context.Background()

	evt := Event{Fingerprint: uuid.New(), OrderID: o.ID, Kind: KindShipping, Status: "SHIPPED"}
	require.NoError(t, m.ApplyEvent(ctx, evt))
	require.Len(t, store.pending, 1)

	// Force the row past its deadline and make it due now.
	store.pending[0].Deadline = time.Now().Add(-time.Minute)
	store.pending[0].NextAttemptAt = time.Now().Add(-time.Second)

	m.SweepPending(ctx, 10)

	assert.Empty(t, store.pending)
	require.Len(t, store.expired, 1)
	assert.Equal(t, "audit.event", store.tasks[len(store.tasks)-1].RoutingKey)
}

func TestSweepPendingDefersWithBackoff(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)
	o := store.addOrder(StatusCreated)
	ctx := context.Background()

	evt := Event{Fingerprint: uuid.New(), OrderID: o.ID, Kind: KindShipping, Status: "SHIPPED"}
	require.NoError(t, m.ApplyEvent(ctx, evt))
	store.pending[0].NextAttemptAt = time.Now().Add(-time.Second)

	m.SweepPending(ctx, 10)

	require.Len(t, store.pending, 1)
	assert.Equal(t, 1, store.pending[0].Attempts)
	assert.True(t, store.pending[0].NextAttemptAt.After(time.Now()))
}

func TestHoldDelayBounds(t *testing.T) {
	assert.Equal(t, time.Second, holdDelay(0))
	assert.Equal(t, 2*time.Second, holdDelay(1))
	assert.Equal(t, 4*time.Second, holdDelay(2))
	assert.Equal(t, 32*time.Second, holdDelay(5))
	assert.Equal(t, 32*time.Second, holdDelay(50))
	assert.Equal(t, time.Second, holdDelay(-1))
}

func TestCreateValidatesAmount(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, nil)

	_, err := m.Create(context.Background(), uuid.New(), 0, "USD")
	assert.Error(t, err)

	o, err := m.Create(context.Background(), uuid.New(), 199, "")
	require.NoError(t, err)
	assert.Equal(t, "USD", o.Currency)
	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, []string{"order.processing"}, store.taskKeys())
}
