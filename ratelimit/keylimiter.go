package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ca-srg/sockframe/telemetry"
)

// keyState tracks one serialization domain. Waiters are granted strictly in
// arrival order; a blocked key holds everyone until the block elapses.
type keyState struct {
	busy         bool
	blockedUntil time.Time
	waiters      []chan struct{}
	draining     bool
}

// KeyLimiter is Limiter-A: at most one in-flight request per Key, FIFO
// hand-off between waiters, and 429-driven blocking per key.
type KeyLimiter struct {
	bus *telemetry.Bus
	now func() time.Time

	mu   sync.Mutex
	keys map[Key]*keyState
}

// KeyLimiterOption adjusts a KeyLimiter at construction time.
type KeyLimiterOption func(*KeyLimiter)

// WithKeyLimiterClock injects a clock for tests.
func WithKeyLimiterClock(now func() time.Time) KeyLimiterOption {
	return func(l *KeyLimiter) { l.now = now }
}

// NewKeyLimiter builds a per-key serializer emitting decisions on bus.
func NewKeyLimiter(bus *telemetry.Bus, opts ...KeyLimiterOption) *KeyLimiter {
	l := &KeyLimiter{
		bus:  bus,
		now:  time.Now,
		keys: make(map[Key]*keyState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire waits until the caller owns key. Every Acquire must be paired
// with a Release unless Acquire returns an error.
func (l *KeyLimiter) Acquire(ctx context.Context, key Key) error {
	l.mu.Lock()
	st := l.state(key)

	if !st.busy && !l.now().Before(st.blockedUntil) {
		st.busy = true
		l.mu.Unlock()
		l.emitDecision(ctx, key, "allow")
		return nil
	}

	waiter := make(chan struct{})
	st.waiters = append(st.waiters, waiter)
	if !st.busy && !st.draining {
		// Key is idle but blocked; arm the drain timer.
		l.armDrainLocked(key, st)
	}
	l.mu.Unlock()
	l.emitDecision(ctx, key, "queue")

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		l.abandon(key, waiter)
		return ctx.Err()
	}
}

// Release hands the key to the next waiter, or to the drain timer when a
// block is in effect.
func (l *KeyLimiter) Release(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok || !st.busy {
		return
	}
	st.busy = false

	if l.now().Before(st.blockedUntil) {
		if len(st.waiters) > 0 && !st.draining {
			l.armDrainLocked(key, st)
		}
		return
	}
	l.grantNextLocked(key, st)
}

// Block suspends key until the given time. Called when a request on this
// key came back 429; the in-flight slot is released separately.
func (l *KeyLimiter) Block(key Key, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(key)
	if until.After(st.blockedUntil) {
		st.blockedUntil = until
	}
}

func (l *KeyLimiter) state(key Key) *keyState {
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	return st
}

func (l *KeyLimiter) grantNextLocked(key Key, st *keyState) {
	if st.busy || len(st.waiters) == 0 {
		if !st.busy && len(st.waiters) == 0 && l.now().After(st.blockedUntil) {
			delete(l.keys, key)
		}
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	st.busy = true
	close(next)
}

func (l *KeyLimiter) armDrainLocked(key Key, st *keyState) {
	st.draining = true
	wait := st.blockedUntil.Sub(l.now())
	if wait < 0 {
		wait = 0
	}
	time.AfterFunc(wait, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		st.draining = false
		if l.now().Before(st.blockedUntil) {
			// Block was extended while the timer ran.
			if len(st.waiters) > 0 {
				l.armDrainLocked(key, st)
			}
			return
		}
		l.bus.Emit(context.Background(), []string{"rate_limiter", "drain"}, nil,
			map[string]any{"key": key.String()})
		l.grantNextLocked(key, st)
	})
}

func (l *KeyLimiter) abandon(key Key, waiter chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[key]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == waiter {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
	// The grant raced the cancellation; pass ownership on.
	select {
	case <-waiter:
		st.busy = false
		l.grantNextLocked(key, st)
	default:
	}
}

func (l *KeyLimiter) emitDecision(ctx context.Context, key Key, decision string) {
	l.bus.Emit(ctx, []string{"rate_limiter", "decision"}, nil, map[string]any{
		"key":      key.String(),
		"decision": decision,
	})
}
