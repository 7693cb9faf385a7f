package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/diagnostics"
	"github.com/ca-srg/sockframe/eventbuffer"
	"github.com/ca-srg/sockframe/telemetry"
)

// ErrHalt stops the remaining handler chain when returned (or wrapped) by a
// middleware or handler.
var ErrHalt = errors.New("pipeline: halted")

// State travels through one dispatch. Middleware may rewrite the payload on
// the envelope and stash values in Assigns for downstream handlers.
type State struct {
	Assigns map[string]any
}

// Middleware runs before the handlers. Returning an error wrapping ErrHalt
// short-circuits the dispatch; any other error is logged and also stops it.
type Middleware func(ctx context.Context, env *Envelope, st *State) error

// Handler handles one envelope. Returning ErrHalt stops later handlers;
// other errors are recorded and the chain continues.
type Handler func(ctx context.Context, env *Envelope, st *State) error

// Dispatcher owns the registration table and runs the ingress chain.
type Dispatcher struct {
	store  *config.Store
	buffer eventbuffer.Adapter
	diag   *diagnostics.Recorder
	bus    *telemetry.Bus
	logger *log.Logger

	middleware []Middleware
	handlers   map[EnvelopeType][]Handler
	customAck  func(payload []byte) []byte
	postAck    func(ctx context.Context, url string, body []byte) error
}

// DispatcherOption adjusts a Dispatcher at construction time.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger replaces the default logger.
func WithDispatcherLogger(l *log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithAckPoster replaces the HTTP transport used for response_url acks.
func WithAckPoster(fn func(ctx context.Context, url string, body []byte) error) DispatcherOption {
	return func(d *Dispatcher) { d.postAck = fn }
}

// NewDispatcher builds a dispatcher. Registration (Use, Handle) happens at
// startup, before envelopes flow.
func NewDispatcher(store *config.Store, buffer eventbuffer.Adapter, diag *diagnostics.Recorder, bus *telemetry.Bus, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		buffer:   buffer,
		diag:     diag,
		bus:      bus,
		logger:   log.New(os.Stdout, "pipeline ", log.LstdFlags),
		handlers: make(map[EnvelopeType][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.postAck == nil {
		d.postAck = d.defaultPostAck
	}
	return d
}

// Use appends middleware; they run in registration order on every dispatch.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.middleware = append(d.middleware, mw...)
}

// Handle registers handlers for one envelope type, invoked sequentially.
func (d *Dispatcher) Handle(t EnvelopeType, h ...Handler) {
	d.handlers[t] = append(d.handlers[t], h...)
}

// SetCustomAck installs the ack-body function used when the configured ack
// mode is custom. The function must be fast; it runs on the socket loop.
func (d *Dispatcher) SetCustomAck(fn func(payload []byte) []byte) {
	d.customAck = fn
}

// Submit hands the envelope to its own worker. It never blocks: the caller
// is the socket read loop.
func (d *Dispatcher) Submit(ctx context.Context, env Envelope) {
	d.bus.Emit(ctx, []string{"handler", "ingress"}, nil, map[string]any{
		"decision":    "queue",
		"envelope_id": env.EnvelopeID,
	})
	go d.runWorker(ctx, env)
}

func (d *Dispatcher) runWorker(ctx context.Context, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("dispatch worker panic envelope=%s: %v\n%s", env.EnvelopeID, r, debug.Stack())
		}
	}()
	_ = d.Dispatch(ctx, env)
}

// Dispatch runs the full ingress chain for one envelope: dedupe,
// diagnostics, middleware, handlers.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	key := env.DedupeKey()

	res, err := d.buffer.Record(ctx, key, env.Payload)
	if err != nil {
		// Backend failures fail open: assume unseen.
		d.logger.Printf("event buffer record failed key=%s err=%v", key, err)
		res = eventbuffer.RecordOK
	}
	if res == eventbuffer.RecordDuplicate {
		d.emitIngress(ctx, env, "duplicate")
		return nil
	}
	d.emitIngress(ctx, env, "new")

	d.diag.Record(diagnostics.Inbound, string(env.Type), env.Payload, map[string]any{
		"envelope_id": env.EnvelopeID,
	})

	// Slash commands whose envelope cannot carry the ack body get it
	// delivered through response_url instead.
	if env.Type == EnvelopeSlashCommands && !env.AcceptsResponsePayload {
		d.ackOverHTTP(ctx, &env)
	}

	return d.runChain(ctx, env)
}

// Emit feeds a synthetic envelope through the pipeline as if received,
// skipping dedupe. The diagnostics record lands before the chain runs, so a
// crashing handler cannot lose it.
func (d *Dispatcher) Emit(ctx context.Context, t EnvelopeType, payload []byte) error {
	return d.emit(ctx, t, payload, diagnostics.Inbound, map[string]any{"origin": "emit"})
}

// ReplayEntry re-dispatches one captured diagnostics entry.
func (d *Dispatcher) ReplayEntry(ctx context.Context, e diagnostics.Entry) error {
	return d.emit(ctx, EnvelopeType(e.Type), e.Payload, diagnostics.Replay, map[string]any{"origin": "replay"})
}

func (d *Dispatcher) emit(ctx context.Context, t EnvelopeType, payload []byte, dir diagnostics.Direction, meta map[string]any) error {
	env := Envelope{
		EnvelopeID: "emit-" + uuid.NewString(),
		Type:       t,
		Payload:    payload,
	}
	d.diag.Record(dir, string(t), payload, meta)
	return d.runChain(ctx, env)
}

func (d *Dispatcher) runChain(ctx context.Context, env Envelope) error {
	ctx, span := otel.Tracer("sockframe/pipeline").Start(ctx, "pipeline.dispatch")
	span.SetAttributes(attribute.String("envelope.type", string(env.Type)))
	defer span.End()

	start := time.Now()
	d.bus.Emit(ctx, []string{"handler", "dispatch", "start"}, nil, map[string]any{
		"type":        string(env.Type),
		"envelope_id": env.EnvelopeID,
	})

	st := &State{Assigns: d.cloneAssigns()}

	for _, mw := range d.middleware {
		if err := mw(ctx, &env, st); err != nil {
			if errors.Is(err, ErrHalt) {
				d.emitStop(ctx, env, "halted", start)
				return nil
			}
			d.logger.Printf("middleware failed envelope=%s type=%s err=%v", env.EnvelopeID, env.Type, err)
			d.emitStop(ctx, env, "error", start)
			return err
		}
	}

	status := "ok"
	for _, h := range d.handlers[env.Type] {
		halted, err := d.invoke(ctx, h, &env, st)
		if err != nil {
			status = "error"
		}
		if halted {
			status = "halted"
			break
		}
	}

	d.emitStop(ctx, env, status, start)
	return nil
}

// invoke runs one handler, confining panics to this envelope.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, env *Envelope, st *State) (halted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.Printf("handler exception envelope=%s type=%s: %v\n%s",
				env.EnvelopeID, env.Type, r, debug.Stack())
			d.bus.Emit(ctx, []string{"handler", "dispatch", "exception"}, nil, map[string]any{
				"type":        string(env.Type),
				"envelope_id": env.EnvelopeID,
			})
		}
	}()

	if err := h(ctx, env, st); err != nil {
		if errors.Is(err, ErrHalt) {
			return true, nil
		}
		d.logger.Printf("handler failed envelope=%s type=%s err=%v", env.EnvelopeID, env.Type, err)
		return false, err
	}
	return false, nil
}

func (d *Dispatcher) cloneAssigns() map[string]any {
	base := d.store.Snapshot().Assigns
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) emitIngress(ctx context.Context, env Envelope, decision string) {
	d.bus.Emit(ctx, []string{"handler", "ingress"}, nil, map[string]any{
		"decision":    decision,
		"type":        string(env.Type),
		"envelope_id": env.EnvelopeID,
	})
}

func (d *Dispatcher) emitStop(ctx context.Context, env Envelope, status string, start time.Time) {
	d.bus.Emit(ctx, []string{"handler", "dispatch", "stop"},
		map[string]any{"duration": time.Since(start)},
		map[string]any{
			"type":        string(env.Type),
			"envelope_id": env.EnvelopeID,
			"status":      status,
		})
}
