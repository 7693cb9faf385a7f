package eventbuffer

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload    []byte
	recordedAt time.Time
	expiresAt  time.Time
}

// Memory is the in-process Adapter. All operations are guarded by one mutex,
// which gives the set-if-absent atomicity the dispatcher requires.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   []string
}

// MemoryOption adjusts a Memory adapter at construction time.
type MemoryOption func(*Memory)

// WithMemoryClock injects a clock for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory builds an in-memory adapter whose entries expire after ttl.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m := &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record stores payload under key unless an unexpired entry already exists.
// Duplicates keep the original payload and get their TTL extended from now.
func (m *Memory) Record(_ context.Context, key string, payload []byte) (Result, error) {
	if key == "" {
		return RecordOK, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	if e, ok := m.entries[key]; ok {
		e.expiresAt = now.Add(m.ttl)
		return RecordDuplicate, nil
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.entries[key] = &memoryEntry{
		payload:    buf,
		recordedAt: now,
		expiresAt:  now.Add(m.ttl),
	}
	m.order = append(m.order, key)
	return RecordOK, nil
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	delete(m.entries, key)
	m.dropFromOrderLocked(key)
	return nil
}

// Seen reports whether key has an unexpired entry.
func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	_, ok := m.entries[key]
	return ok, nil
}

// Pending returns unexpired entries in recording order.
func (m *Memory) Pending(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)

	threshold := now.Add(-pruneThreshold(m.ttl))
	out := make([]Entry, 0, len(m.order))
	for _, key := range m.order {
		e, ok := m.entries[key]
		if !ok {
			continue
		}
		if e.recordedAt.Before(threshold) {
			continue
		}
		out = append(out, Entry{
			Key:        key,
			Payload:    e.payload,
			RecordedAt: e.recordedAt,
			ExpiresAt:  e.expiresAt,
		})
	}
	return out, nil
}

func (m *Memory) pruneLocked(now time.Time) {
	if len(m.entries) == 0 {
		return
	}
	kept := m.order[:0]
	for _, key := range m.order {
		e, ok := m.entries[key]
		if !ok {
			continue
		}
		if !e.expiresAt.After(now) {
			delete(m.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
}

func (m *Memory) dropFromOrderLocked(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
