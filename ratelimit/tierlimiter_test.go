package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ca-srg/sockframe/telemetry"
)

func TestTierOfClassification(t *testing.T) {
	require.Equal(t, TierChat, TierOf("chat.postMessage"))
	require.Equal(t, Tier2, TierOf("users.list"))
	require.Equal(t, Tier3, TierOf("users.conversations"))
	require.Equal(t, Tier4, TierOf("auth.test"))
	require.Equal(t, Tier3, TierOf("some.unknown.method"), "unknown methods default to tier3")
}

func TestTierLimiterAllowsWithinBudget(t *testing.T) {
	l := NewTierLimiter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Tier4 starts with a full bucket; a handful of calls pass immediately.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "auth.test"))
	}
}

func TestTierLimiterSuspension(t *testing.T) {
	l := NewTierLimiter(nil)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "auth.test"))

	l.Suspend("auth.test", time.Now().Add(200*time.Millisecond))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "auth.test"))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"suspended tier must hold requests until the suspension elapses")
}

func TestTierLimiterSuspensionScopedToTier(t *testing.T) {
	l := NewTierLimiter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	l.Suspend("users.list", time.Now().Add(5*time.Second))

	// Tier4 traffic is unaffected by a Tier2 suspension.
	require.NoError(t, l.Wait(ctx, "auth.test"))
}

func TestTierLimiterWaitCancellation(t *testing.T) {
	l := NewTierLimiter(nil)
	l.Suspend("auth.test", time.Now().Add(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "auth.test")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTierLimiterEmitsSuspendAndResume(t *testing.T) {
	bus := telemetry.NewBus("t", nil)
	var mu sync.Mutex
	var decisions []string
	bus.Attach("capture", func(_ context.Context, ev telemetry.Event) {
		if ev.FullName() == "t.tier_limiter.decision" {
			mu.Lock()
			decisions = append(decisions, ev.Metadata["decision"].(string))
			mu.Unlock()
		}
	})

	l := NewTierLimiter(bus)
	l.Suspend("auth.test", time.Now().Add(100*time.Millisecond))
	require.NoError(t, l.Wait(context.Background(), "auth.test"))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, decisions, "suspend")
	require.Contains(t, decisions, "resume")
	require.Equal(t, "allow", decisions[len(decisions)-1])
}
