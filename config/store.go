package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store publishes immutable Config snapshots. Snapshot reads are wait-free;
// Reload validates the fully merged candidate before swapping, so a failed
// reload leaves the previous snapshot untouched.
type Store struct {
	current atomic.Pointer[Config]

	// reloadMu serializes writers only; readers never take it.
	reloadMu sync.Mutex

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore validates cfg and publishes it as the initial snapshot.
func NewStore(cfg *Config) (*Store, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(cfg)
	return s, nil
}

// Snapshot returns the current configuration. The returned value is shared
// and must be treated as read-only.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Reload clones the current snapshot, applies the mutation, validates the
// result, and publishes it atomically. Registered listeners observe the new
// snapshot after publication.
func (s *Store) Reload(apply func(*Config)) error {
	if apply == nil {
		return fmt.Errorf("%w: nil reload mutation", ErrInvalidConfig)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next := s.current.Load().Clone()
	apply(next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(next)

	s.mu.Lock()
	listeners := append(([]func(*Config))(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// OnReload registers a listener invoked after every successful reload.
func (s *Store) OnReload(fn func(*Config)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
