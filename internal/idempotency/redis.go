package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLedger implements the ledger on a keyed store with TTL semantics.
// SETNX gives the atomic check-and-set; the TTL is the retention window.
// Used by the notification worker, which has no surrounding DB transaction
// to piggyback on.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) CheckAndRecord(ctx context.Context, key Key) (Result, error) {
	set, err := l.client.SetNX(ctx, key.String(), 1, l.ttl).Result()
	if err != nil {
		return AlreadySeen, fmt.Errorf("setnx idempotency key: %w", err)
	}
	if !set {
		return AlreadySeen, nil
	}
	return FirstSeen, nil
}
