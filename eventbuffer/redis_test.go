package eventbuffer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisAdapter(t *testing.T, instance string, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, instance, ttl), mr
}

func TestRedisFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisAdapter(t, "test", time.Minute)

	res, err := r.Record(ctx, "e1", []byte("first"))
	require.NoError(t, err)
	require.Equal(t, RecordOK, res)

	res, err = r.Record(ctx, "e1", []byte("second"))
	require.NoError(t, err)
	require.Equal(t, RecordDuplicate, res)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, []byte("first"), pending[0].Payload)
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisAdapter(t, "test", time.Minute)

	_, err := r.Record(ctx, "e1", []byte("p"))
	require.NoError(t, err)

	seen, err := r.Seen(ctx, "e1")
	require.NoError(t, err)
	require.True(t, seen)

	mr.FastForward(61 * time.Second)

	seen, err = r.Seen(ctx, "e1")
	require.NoError(t, err)
	require.False(t, seen)

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "expired value keys drop out of pending")
}

func TestRedisDuplicateRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisAdapter(t, "test", time.Minute)

	_, err := r.Record(ctx, "e1", []byte("p"))
	require.NoError(t, err)

	mr.FastForward(45 * time.Second)
	res, err := r.Record(ctx, "e1", []byte("q"))
	require.NoError(t, err)
	require.Equal(t, RecordDuplicate, res)

	mr.FastForward(40 * time.Second)
	seen, err := r.Seen(ctx, "e1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestRedisPendingOrder(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedis(client, "test", time.Minute, WithRedisClock(clock.Now))

	for _, key := range []string{"a", "b", "c"} {
		_, err := r.Record(ctx, key, []byte(key))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	require.NoError(t, r.Delete(ctx, "b"))

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].Key)
	require.Equal(t, "c", pending[1].Key)
}

func TestRedisEmptyKeyTolerance(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisAdapter(t, "test", time.Minute)

	res, err := r.Record(ctx, "", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, RecordOK, res)

	seen, err := r.Seen(ctx, "")
	require.NoError(t, err)
	require.False(t, seen)
	require.NoError(t, r.Delete(ctx, ""))
}

func TestRedisInstanceIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	alpha := NewRedis(client, "alpha", time.Minute)
	beta := NewRedis(client, "beta", time.Minute)

	_, err := alpha.Record(ctx, "e1", []byte("p"))
	require.NoError(t, err)

	seen, err := beta.Seen(ctx, "e1")
	require.NoError(t, err)
	require.False(t, seen, "instances must not share dedupe state")

	res, err := beta.Record(ctx, "e1", []byte("p"))
	require.NoError(t, err)
	require.Equal(t, RecordOK, res)
}
