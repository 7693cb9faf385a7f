package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ca-srg/sockframe/telemetry"
)

// tierState owns one tier's token bucket. The gate channel serializes
// waiters so tokens are handed out in arrival order; suspended tiers hold
// the gate owner until the suspension elapses.
type tierState struct {
	gate    chan struct{}
	limiter *rate.Limiter

	mu             sync.Mutex
	suspendedUntil time.Time
	suspended      bool
}

// TierLimiter is Limiter-B: a token bucket per Slack tier, refilled at the
// tier's steady-state rate, with whole-tier suspension on 429.
type TierLimiter struct {
	bus *telemetry.Bus
	now func() time.Time

	mu    sync.Mutex
	tiers map[Tier]*tierState
}

// TierLimiterOption adjusts a TierLimiter at construction time.
type TierLimiterOption func(*TierLimiter)

// WithTierLimiterClock injects a clock for tests. Token refill still uses
// the wall clock inside x/time/rate; the injected clock only drives
// suspension bookkeeping.
func WithTierLimiterClock(now func() time.Time) TierLimiterOption {
	return func(l *TierLimiter) { l.now = now }
}

// NewTierLimiter builds a tier limiter emitting decisions on bus.
func NewTierLimiter(bus *telemetry.Bus, opts ...TierLimiterOption) *TierLimiter {
	l := &TierLimiter{
		bus:   bus,
		now:   time.Now,
		tiers: make(map[Tier]*tierState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until method's tier grants a token or ctx is cancelled.
func (l *TierLimiter) Wait(ctx context.Context, method string) error {
	tier := TierOf(method)
	st := l.state(tier)

	// Enter the tier's FIFO queue.
	select {
	case st.gate <- struct{}{}:
	case <-ctx.Done():
		l.emitDecision(ctx, tier, method, "queue")
		return ctx.Err()
	}
	defer func() { <-st.gate }()

	if err := l.waitSuspension(ctx, st, tier, method); err != nil {
		return err
	}

	if st.limiter.Allow() {
		l.emitDecision(ctx, tier, method, "allow")
		return nil
	}

	l.emitDecision(ctx, tier, method, "queue")
	if err := st.limiter.Wait(ctx); err != nil {
		return err
	}
	l.emitDecision(ctx, tier, method, "allow")
	return nil
}

// Suspend holds method's whole tier until the given time. Suspensions
// always originate from a 429 response.
func (l *TierLimiter) Suspend(method string, until time.Time) {
	tier := TierOf(method)
	st := l.state(tier)

	st.mu.Lock()
	extended := until.After(st.suspendedUntil)
	if extended {
		st.suspendedUntil = until
		st.suspended = true
	}
	st.mu.Unlock()

	if extended {
		l.emitDecision(context.Background(), tier, method, "suspend")
	}
}

func (l *TierLimiter) waitSuspension(ctx context.Context, st *tierState, tier Tier, method string) error {
	for {
		st.mu.Lock()
		wait := st.suspendedUntil.Sub(l.now())
		wasSuspended := st.suspended
		if wait <= 0 && wasSuspended {
			st.suspended = false
		}
		st.mu.Unlock()

		if wait <= 0 {
			if wasSuspended {
				l.emitDecision(ctx, tier, method, "resume")
			}
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (l *TierLimiter) state(tier Tier) *tierState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tiers[tier]
	if !ok {
		budget := tierBudgets[tier]
		st = &tierState{
			gate:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(budget.refill, budget.capacity),
		}
		l.tiers[tier] = st
	}
	return st
}

func (l *TierLimiter) emitDecision(ctx context.Context, tier Tier, method, decision string) {
	l.bus.Emit(ctx, []string{"tier_limiter", "decision"}, nil, map[string]any{
		"tier":     tier.String(),
		"method":   method,
		"decision": decision,
	})
}
