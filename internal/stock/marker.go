package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker tracks which orders this consumer has begun processing and which
// currently hold a reservation, so redelivered events are handled
// idempotently: a duplicate order.created reserves nothing, and a cancellation
// releases stock at most once and only if a reservation is actually held.
type Marker interface {
	BeginOrder(ctx context.Context, orderID string) (first bool, err error)
	AbortOrder(ctx context.Context, orderID string) error
	SetReserved(ctx context.Context, orderID string) error
	ClearReserved(ctx context.Context, orderID string) (held bool, err error)
}

type RedisMarker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMarker(rdb *redis.Client, ttl time.Duration) *RedisMarker {
	return &RedisMarker{rdb: rdb, ttl: ttl}
}

func (m *RedisMarker) BeginOrder(ctx context.Context, orderID string) (bool, error) {
	first, err := m.rdb.SetNX(ctx, beginKey(orderID), 1, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark order %s as seen: %w", orderID, err)
	}
	return first, nil
}

func (m *RedisMarker) AbortOrder(ctx context.Context, orderID string) error {
	return m.rdb.Del(ctx, beginKey(orderID)).Err()
}

func (m *RedisMarker) SetReserved(ctx context.Context, orderID string) error {
	return m.rdb.Set(ctx, reservedKey(orderID), 1, m.ttl).Err()
}

func (m *RedisMarker) ClearReserved(ctx context.Context, orderID string) (bool, error) {
	err := m.rdb.GetDel(ctx, reservedKey(orderID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to clear reservation for order %s: %w", orderID, err)
	}
	return true, nil
}

func beginKey(orderID string) string    { return "stock:begin:" + orderID }
func reservedKey(orderID string) string { return "stock:resv:" + orderID }
