package telemetry

import (
	"context"
	"log"
	"strings"
	"sync"
)

// Event is a single telemetry emission. Name carries the full event path
// including the configured prefix, e.g. ["sockframe", "api", "request"].
// Measurements hold numeric observations, Metadata holds identifying labels.
type Event struct {
	Name         []string
	Measurements map[string]any
	Metadata     map[string]any
}

// FullName joins the event path with dots for display and metric naming.
func (e Event) FullName() string {
	return strings.Join(e.Name, ".")
}

// HandlerFunc receives every event emitted on the bus. Handlers run
// synchronously on the emitting goroutine and must be fast.
type HandlerFunc func(ctx context.Context, ev Event)

// Bus fans emitted events out to attached handlers. A nil *Bus is valid and
// drops all events, so components can hold an optional bus without nil checks.
type Bus struct {
	prefix string
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewBus constructs a bus whose events are prefixed with prefix.
func NewBus(prefix string, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		prefix:   prefix,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Attach registers a handler under id, replacing any previous handler with
// the same id.
func (b *Bus) Attach(id string, h HandlerFunc) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()
}

// Detach removes the handler registered under id.
func (b *Bus) Detach(id string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Emit delivers an event to every attached handler. A panicking handler is
// recovered and logged; it never takes down the emitting component.
func (b *Bus) Emit(ctx context.Context, name []string, measurements, metadata map[string]any) {
	if b == nil {
		return
	}
	ev := Event{
		Name:         append([]string{b.prefix}, name...),
		Measurements: measurements,
		Metadata:     metadata,
	}

	b.mu.RLock()
	handlers := make([]HandlerFunc, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h HandlerFunc, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("telemetry: handler panic on %s: %v", ev.FullName(), r)
		}
	}()
	h(ctx, ev)
}
