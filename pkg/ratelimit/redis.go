// Package ratelimit provides an alternative Redis-backed guardrail
// counter store for deployments where many processors share rate limits
// and the engine database should not absorb counter write traffic. The
// default durable store lives in pkg/storage; both satisfy
// core.CounterStore.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stepflow-io/stepflow/pkg/core"
)

// bucketTTL keeps Redis buckets alive long past any realistic guardrail
// window (the widest documented window is a week).
const bucketTTL = 14 * 24 * time.Hour

// RedisCounterStore implements core.CounterStore on Redis using
// hour-bucketed keys, mirroring the bucket arithmetic of the durable
// store so either backend returns the same window totals.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore creates a counter store on an existing client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "stepflow:guardrail:"}
}

// Increment bumps the bucket covering at and returns the new window
// total since the given time. INCR is atomic in Redis, so concurrent
// processors cannot lose increments.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, at time.Time, since time.Time) (int64, error) {
	bucket := core.CounterBucket(at)
	bucketKey := s.bucketKey(key, bucket)

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, bucketKey)
	pipe.Expire(ctx, bucketKey, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: increment %q: %w", key, err)
	}
	return s.WindowCount(ctx, key, since)
}

// WindowCount sums the buckets since the given time.
func (s *RedisCounterStore) WindowCount(ctx context.Context, key string, since time.Time) (int64, error) {
	start := core.CounterBucket(since)
	end := core.CounterBucket(time.Now())

	keys := make([]string, 0, int(end.Sub(start)/time.Hour)+1)
	for b := start; !b.After(end); b = b.Add(time.Hour) {
		keys = append(keys, s.bucketKey(key, b))
	}
	if len(keys) == 0 {
		return 0, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: window count %q: %w", key, err)
	}
	var total int64
	for _, v := range values {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			var n int64
			if _, err := fmt.Sscan(str, &n); err == nil {
				total += n
			}
		}
	}
	return total, nil
}

func (s *RedisCounterStore) bucketKey(key string, bucket time.Time) string {
	return s.prefix + key + ":" + bucket.Format("2006010215")
}
