package eventbuffer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "sockframe"

// Redis is the shared-state Adapter for multi-node deployments. Write-once
// semantics come from SET NX PX; recording order is kept in a sorted set
// scored by recording time.
type Redis struct {
	client    redis.UniversalClient
	ttl       time.Duration
	namespace string
	instance  string
	now       func() time.Time
}

// RedisOption adjusts a Redis adapter at construction time.
type RedisOption func(*Redis)

// WithRedisNamespace replaces the default key namespace.
func WithRedisNamespace(ns string) RedisOption {
	return func(r *Redis) { r.namespace = ns }
}

// WithRedisClock injects a clock for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis builds a Redis-backed adapter. Instance names isolate state:
// adapters with different instance names share nothing.
func NewRedis(client redis.UniversalClient, instance string, ttl time.Duration, opts ...RedisOption) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	r := &Redis{
		client:    client,
		ttl:       ttl,
		namespace: defaultNamespace,
		instance:  instance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) entryKey(key string) string {
	return fmt.Sprintf("%s:%s:%s", r.namespace, r.instance, key)
}

func (r *Redis) pendingKey() string {
	return fmt.Sprintf("%s:%s:pending", r.namespace, r.instance)
}

// Record stores payload under key with SET NX PX. The losing writer of a
// race sees the duplicate result; duplicates refresh the TTL and reinstate
// the pending index member if pruning dropped it.
func (r *Redis) Record(ctx context.Context, key string, payload []byte) (Result, error) {
	if key == "" {
		return RecordOK, nil
	}

	stored, err := r.client.SetNX(ctx, r.entryKey(key), payload, r.ttl).Result()
	if err != nil {
		return RecordOK, fmt.Errorf("event buffer record: %w", err)
	}

	score := float64(r.now().UnixMilli())
	if stored {
		if err := r.client.ZAdd(ctx, r.pendingKey(), redis.Z{Score: score, Member: key}).Err(); err != nil {
			return RecordOK, fmt.Errorf("event buffer record index: %w", err)
		}
		return RecordOK, nil
	}

	pipe := r.client.TxPipeline()
	pipe.PExpire(ctx, r.entryKey(key), r.ttl)
	pipe.ZAddNX(ctx, r.pendingKey(), redis.Z{Score: score, Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return RecordDuplicate, fmt.Errorf("event buffer refresh: %w", err)
	}
	return RecordDuplicate, nil
}

// Delete removes both the value and its pending index member.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(key))
	pipe.ZRem(ctx, r.pendingKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("event buffer delete: %w", err)
	}
	return nil
}

// Seen reports whether key still has an unexpired value.
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.entryKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("event buffer seen: %w", err)
	}
	return n > 0, nil
}

// Pending returns unexpired entries in recording order. Members outside the
// prune window are removed from the index first; members whose value key
// expired are skipped and cleaned up.
func (r *Redis) Pending(ctx context.Context) ([]Entry, error) {
	now := r.now()
	cutoff := now.Add(-pruneThreshold(r.ttl)).UnixMilli()

	if err := r.client.ZRemRangeByScore(ctx, r.pendingKey(), "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("event buffer prune: %w", err)
	}

	members, err := r.client.ZRangeByScoreWithScores(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("event buffer pending: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	gets := make([]*redis.StringCmd, len(members))
	ttls := make([]*redis.DurationCmd, len(members))
	for i, m := range members {
		key := m.Member.(string)
		gets[i] = pipe.Get(ctx, r.entryKey(key))
		ttls[i] = pipe.PTTL(ctx, r.entryKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("event buffer pending fetch: %w", err)
	}

	out := make([]Entry, 0, len(members))
	var stale []any
	for i, m := range members {
		key := m.Member.(string)
		payload, err := gets[i].Bytes()
		if err == redis.Nil {
			stale = append(stale, key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("event buffer pending fetch %q: %w", key, err)
		}
		recordedAt := time.UnixMilli(int64(m.Score))
		entry := Entry{Key: key, Payload: payload, RecordedAt: recordedAt}
		if ttl, err := ttls[i].Result(); err == nil && ttl > 0 {
			entry.ExpiresAt = now.Add(ttl)
		}
		out = append(out, entry)
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.pendingKey(), stale...).Err(); err != nil {
			return out, fmt.Errorf("event buffer stale cleanup: %w", err)
		}
	}
	return out, nil
}
