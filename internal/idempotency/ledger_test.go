package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	entity := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	fingerprint := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	key := Key{EntityID: entity, EventType: "ledger", Fingerprint: fingerprint}

	want := "idem:11111111-2222-3333-4444-555555555555:ledger:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	assert.Equal(t, want, key.String())

	// The same key renders identically every time; the dedup store relies on
	// that.
	assert.Equal(t, key.String(), key.String())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "first_seen", FirstSeen.String())
	assert.Equal(t, "already_seen", AlreadySeen.String())
}

func TestRedisLedgerFirstSeen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ledger := NewRedisLedger(client, time.Hour)
	key := Key{EntityID: uuid.New(), EventType: "notification", Fingerprint: uuid.New()}

	mock.ExpectSetNX(key.String(), 1, time.Hour).SetVal(true)

	res, err := ledger.CheckAndRecord(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, FirstSeen, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedgerAlreadySeen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ledger := NewRedisLedger(client, time.Hour)
	key := Key{EntityID: uuid.New(), EventType: "notification", Fingerprint: uuid.New()}

	mock.ExpectSetNX(key.String(), 1, time.Hour).SetVal(false)

	res, err := ledger.CheckAndRecord(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, AlreadySeen, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLedgerError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ledger := NewRedisLedger(client, time.Hour)
	key := Key{EntityID: uuid.New(), EventType: "notification", Fingerprint: uuid.New()}

	mock.ExpectSetNX(key.String(), 1, time.Hour).SetErr(assert.AnError)

	_, err := ledger.CheckAndRecord(context.Background(), key)
	assert.Error(t, err)
}
