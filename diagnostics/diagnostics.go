// Package diagnostics keeps a bounded ring of recent frames for inspection
// and replay.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Direction labels how an entry entered the system.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
	Replay   Direction = "replay"
)

// Entry is one recorded frame.
type Entry struct {
	Direction Direction
	Type      string
	Payload   json.RawMessage
	Meta      map[string]any
	At        time.Time
}

// DispatchFunc re-injects a captured entry into the handler pipeline.
type DispatchFunc func(ctx context.Context, e Entry) error

// Recorder is a fixed-capacity FIFO ring. When full, the oldest entry is
// evicted. A nil *Recorder drops everything, so wiring diagnostics stays
// optional.
type Recorder struct {
	now func() time.Time

	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
}

// RecorderOption adjusts a Recorder at construction time.
type RecorderOption func(*Recorder)

// WithRecorderClock injects a clock for tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder builds a ring holding at most capacity entries.
func NewRecorder(capacity int, opts ...RecorderOption) *Recorder {
	if capacity < 1 {
		capacity = 100
	}
	r := &Recorder{
		now:     time.Now,
		entries: make([]Entry, capacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an entry, evicting the oldest when the ring is full.
func (r *Recorder) Record(direction Direction, frameType string, payload json.RawMessage, meta map[string]any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := (r.head + r.count) % len(r.entries)
	r.entries[slot] = Entry{
		Direction: direction,
		Type:      frameType,
		Payload:   payload,
		Meta:      meta,
		At:        r.now(),
	}
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.entries)
	}
}

// List returns entries oldest first. A positive limit keeps only the most
// recent limit entries.
func (r *Recorder) List(limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.head+i)%len(r.entries)])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear drops every recorded entry.
func (r *Recorder) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}

// ReplayAll feeds every matching entry through dispatch and returns how many
// were replayed. A nil filter matches everything. Replay walks a snapshot,
// so entries recorded during replay (marked direction replay by the
// dispatcher) do not feed back into the walk.
func (r *Recorder) ReplayAll(ctx context.Context, filter func(Entry) bool, dispatch DispatchFunc) (int, error) {
	if r == nil {
		return 0, nil
	}
	if dispatch == nil {
		return 0, fmt.Errorf("diagnostics: replay requires a dispatch function")
	}

	snapshot := r.List(0)
	count := 0
	for _, e := range snapshot {
		if filter != nil && !filter(e) {
			continue
		}
		if err := dispatch(ctx, e); err != nil {
			return count, fmt.Errorf("diagnostics: replay %s: %w", e.Type, err)
		}
		count++
	}
	return count, nil
}
