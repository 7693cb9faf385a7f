// Package connection maintains the Socket Mode WebSocket: it opens the
// socket, acknowledges envelopes on the read loop, hands them to the
// pipeline, and reconnects with jittered backoff when the link drops.
package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces full-jitter exponential delays. Each failure doubles the
// ceiling up to the cap; the returned delay is uniform in [0, ceiling) so a
// fleet of instances does not reconnect in lockstep.
type Backoff struct {
	base time.Duration
	cap  time.Duration

	mu      sync.Mutex
	attempt int
	rand    *rand.Rand
}

// NewBackoff builds a Backoff starting at base and capped at cap.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Backoff{
		base: base,
		cap:  cap,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	ceiling := b.base << b.attempt
	if ceiling > b.cap || ceiling <= 0 {
		ceiling = b.cap
	} else {
		b.attempt++
	}
	return time.Duration(b.rand.Int63n(int64(ceiling)) + 1)
}

// Reset clears the attempt counter after a healthy connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt reports how many consecutive failures have been recorded.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
