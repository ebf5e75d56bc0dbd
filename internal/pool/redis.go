package pool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultCounterTTL = 2 * time.Hour

// RedisCounters stores live totals as a hash per instance at
// "{prefix}:{instanceID}", one field per selection, so every node
// broadcasts the same figures.
type RedisCounters struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCounters(rdb *redis.Client, prefix string, ttl time.Duration) *RedisCounters {
	if prefix == "" {
		prefix = "pool"
	}
	if ttl <= 0 {
		ttl = defaultCounterTTL
	}
	return &RedisCounters{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisCounters) key(instanceID uuid.UUID) string {
	return r.prefix + ":" + instanceID.String()
}

func (r *RedisCounters) Add(ctx context.Context, instanceID uuid.UUID, sel domain.Selection, delta int64) error {
	k := r.key(instanceID)
	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, k, string(sel), delta)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: incr pool %s: %w", k, err)
	}
	return nil
}

func (r *RedisCounters) Snapshot(ctx context.Context, instanceID uuid.UUID) (models.PoolTotals, bool, error) {
	k := r.key(instanceID)
	fields, err := r.rdb.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: read pool %s: %w", k, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	out := make(models.PoolTotals, len(domain.Selections))
	for _, sel := range domain.Selections {
		raw, ok := fields[string(sel)]
		if !ok {
			out[sel] = 0
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("redis: parse pool %s/%s: %w", k, sel, err)
		}
		out[sel] = v
	}
	return out, true, nil
}

func (r *RedisCounters) Reset(ctx context.Context, instanceID uuid.UUID, totals models.PoolTotals) error {
	k := r.key(instanceID)
	values := make(map[string]interface{}, len(domain.Selections))
	for _, sel := range domain.Selections {
		values[string(sel)] = totals[sel]
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, values)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: reset pool %s: %w", k, err)
	}
	return nil
}

func (r *RedisCounters) Drop(ctx context.Context, instanceID uuid.UUID) error {
	if err := r.rdb.Del(ctx, r.key(instanceID)).Err(); err != nil {
		return fmt.Errorf("redis: drop pool %s: %w", r.key(instanceID), err)
	}
	return nil
}

var (
	_ Counters = (*RedisCounters)(nil)
	_ Counters = (*MemoryCounters)(nil)
)
