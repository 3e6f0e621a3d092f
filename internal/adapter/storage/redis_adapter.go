package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/kitchen-stock/internal/port"
)

const (
	lowStockKeyPrefix = "lowstock:"
	DefaultAlertTTL   = 24 * time.Hour
)

var _ port.AlertCache = (*RedisAdapter)(nil)

// RedisAdapter keeps one marker key per ingredient that is currently low,
// so a shortage is reported once per TTL rather than on every consumption.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

// MarkLowStock reports true the first time an ingredient is marked within
// the TTL window.
func (r *RedisAdapter) MarkLowStock(ctx context.Context, ingredientID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, lowStockKeyPrefix+ingredientID, time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearLowStock(ctx context.Context, ingredientID string) error {
	return r.client.Del(ctx, lowStockKeyPrefix+ingredientID).Err()
}
