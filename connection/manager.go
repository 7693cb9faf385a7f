package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/pipeline"
	"github.com/ca-srg/sockframe/telemetry"
	"github.com/ca-srg/sockframe/webapi"
)

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// errServerRefresh marks a server-initiated disconnect frame; the socket is
// stale, not broken, so the reconnect skips the failure backoff.
var errServerRefresh = errors.New("connection: server requested refresh")

// Opener issues fresh Socket Mode URLs. *webapi.Client satisfies it.
type Opener interface {
	ConnectionsOpen(ctx context.Context) (string, error)
}

// Sink receives envelopes pulled off the socket. *pipeline.Dispatcher
// satisfies it.
type Sink interface {
	AckPayload(env *pipeline.Envelope) json.RawMessage
	Submit(ctx context.Context, env pipeline.Envelope)
}

// Manager owns one Socket Mode connection end to end: URL acquisition, the
// read loop with synchronous acks, heartbeats, and reconnection.
type Manager struct {
	store  *config.Store
	opener Opener
	sink   Sink
	dialer Dialer
	bus    *telemetry.Bus
	logger *log.Logger

	backoff *Backoff
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state State
}

// ManagerOption adjusts a Manager at construction time.
type ManagerOption func(*Manager)

// WithManagerLogger replaces the default logger.
func WithManagerLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerBackoff replaces the reconnect backoff.
func WithManagerBackoff(b *Backoff) ManagerOption {
	return func(m *Manager) { m.backoff = b }
}

// WithManagerDialer replaces the websocket dialer.
func WithManagerDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

// NewManager builds a Manager. Run drives it.
func NewManager(store *config.Store, opener Opener, sink Sink, bus *telemetry.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		opener:  opener,
		sink:    sink,
		dialer:  &WebsocketDialer{},
		bus:     bus,
		logger:  log.New(os.Stdout, "connection ", log.LstdFlags),
		backoff: NewBackoff(time.Second, time.Minute),
		sleep:   sleepCtx,
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects and keeps reconnecting until ctx is cancelled. It only
// returns the context's error.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.connectOnce(ctx)
		m.setState(ctx, StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, errServerRefresh):
			// Expected refresh; turn around immediately.
			m.backoff.Reset()
		default:
			var rl *webapi.RateLimitedError
			delay := m.backoff.Next()
			if errors.As(err, &rl) {
				m.bus.Emit(ctx, []string{"connection", "rate_limited"}, nil, map[string]any{
					"retry_after": rl.RetryAfter,
				})
				if rl.RetryAfter > delay {
					delay = rl.RetryAfter
				}
			}
			m.logger.Printf("connection lost, retrying in %s: %v", delay, err)
			if err := m.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// connectOnce acquires a URL, dials, and serves the socket until it drops.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.setState(ctx, StateConnecting)

	url, err := m.opener.ConnectionsOpen(ctx)
	if err != nil {
		return err
	}

	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	m.setState(ctx, StateConnected)
	return m.serve(ctx, conn)
}

// ackFrame is the synchronous response to an envelope.
type ackFrame struct {
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// serve runs the read loop. Every envelope is acked on this goroutine
// before it is handed to the sink, so slow handlers cannot delay acks.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	interval := m.store.Snapshot().HeartbeatInterval

	stop := make(chan struct{})
	defer close(stop)
	go m.heartbeat(ctx, conn, interval, stop)

	// Watch ctx so a shutdown interrupts the blocking read.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * interval)); err != nil {
			return err
		}
		data, err := conn.Read()
		if err != nil {
			return err
		}

		var env pipeline.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Printf("discarding malformed frame: %v", err)
			continue
		}

		switch env.Type {
		case pipeline.EnvelopeHello:
			m.backoff.Reset()
			m.setState(ctx, StateReady)
		case pipeline.EnvelopeDisconnect:
			m.logger.Printf("server disconnect, reason=%s", env.Reason)
			return errServerRefresh
		default:
			if env.EnvelopeID != "" {
				if err := m.ack(conn, &env); err != nil {
					return err
				}
			}
			m.sink.Submit(ctx, env)
		}
	}
}

func (m *Manager) ack(conn Conn, env *pipeline.Envelope) error {
	frame := ackFrame{EnvelopeID: env.EnvelopeID}
	if env.AcceptsResponsePayload {
		frame.Payload = m.sink.AckPayload(env)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(data)
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				// The read loop will observe the dead socket.
				return
			}
			m.bus.Emit(ctx, []string{"healthcheck", "ping"}, nil, map[string]any{
				"state": m.State().String(),
			})
		}
	}
}

func (m *Manager) setState(ctx context.Context, next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev == next {
		return
	}
	m.bus.Emit(ctx, []string{"connection", "state"}, nil, map[string]any{
		"state":    next.String(),
		"previous": prev.String(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
