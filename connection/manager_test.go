package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/pipeline"
	"github.com/ca-srg/sockframe/telemetry"
	"github.com/ca-srg/sockframe/webapi"
)

var errConnClosed = errors.New("conn closed")

// scriptConn feeds test frames to the read loop and records writes.
type scriptConn struct {
	frames chan []byte

	mu     sync.Mutex
	writes []string

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptConn) push(frame string) { c.frames <- []byte(frame) }

func (c *scriptConn) Read() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *scriptConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *scriptConn) writeLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *scriptConn) Ping() error                     { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out scripted connections in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("no scripted connections left")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// fakeOpener returns a scripted sequence of URL results.
type fakeOpener struct {
	mu      sync.Mutex
	results []func() (string, error)
	calls   []time.Time
}

func (o *fakeOpener) ConnectionsOpen(context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, time.Now())
	if len(o.results) == 0 {
		return "", errors.New("no scripted results left")
	}
	next := o.results[0]
	o.results = o.results[1:]
	return next()
}

func (o *fakeOpener) callTimes() []time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Time(nil), o.calls...)
}

// orderedSink tags acks and submissions on a shared sequence so tests can
// assert ordering between the two.
type orderedSink struct {
	mu        sync.Mutex
	sequence  []string
	envelopes []pipeline.Envelope
	submitted chan string
}

func newOrderedSink() *orderedSink {
	return &orderedSink{submitted: make(chan string, 16)}
}

func (s *orderedSink) AckPayload(*pipeline.Envelope) json.RawMessage {
	s.mu.Lock()
	s.sequence = append(s.sequence, "ack")
	s.mu.Unlock()
	return json.RawMessage(`{"text":"Processing..."}`)
}

func (s *orderedSink) Submit(_ context.Context, env pipeline.Envelope) {
	s.mu.Lock()
	s.sequence = append(s.sequence, "submit")
	s.envelopes = append(s.envelopes, env)
	s.mu.Unlock()
	s.submitted <- env.EnvelopeID
}

func (s *orderedSink) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sequence...)
}

func managerStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.NewStore(&config.Config{
		AppToken:          "xapp-test",
		BotToken:          "xoxb-test",
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, err)
	return store
}

func newTestManager(t *testing.T, opener Opener, dialer Dialer, sink Sink) (*Manager, *eventCapture) {
	t.Helper()
	capture := &eventCapture{}
	bus := telemetry.NewBus("t", nil)
	bus.Attach("capture", capture.handler)
	m := NewManager(managerStore(t), opener, sink, bus,
		WithManagerDialer(dialer),
		WithManagerBackoff(NewBackoff(time.Millisecond, 5*time.Millisecond)),
	)
	return m, capture
}

type eventCapture struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *eventCapture) handler(_ context.Context, ev telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCapture) named(name string) []telemetry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range c.events {
		if ev.FullName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestManagerAcksBeforeSubmit(t *testing.T) {
	conn := newScriptConn()
	dialer := &fakeDialer{conns: []*scriptConn{conn}}
	opener := &fakeOpener{results: []func() (string, error){
		func() (string, error) { return "wss://one", nil },
	}}
	sink := newOrderedSink()
	m, _ := newTestManager(t, opener, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	conn.push(`{"type":"hello"}`)
	conn.push(`{"envelope_id":"env-1","type":"slash_commands","accepts_response_payload":true,"payload":{"command":"/status"}}`)

	select {
	case id := <-sink.submitted:
		require.Equal(t, "env-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never submitted")
	}

	require.Equal(t, []string{"ack", "submit"}, sink.order())

	writes := conn.writeLog()
	require.Len(t, writes, 1)
	var frame struct {
		EnvelopeID string          `json:"envelope_id"`
		Payload    json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(writes[0]), &frame))
	require.Equal(t, "env-1", frame.EnvelopeID)
	require.JSONEq(t, `{"text":"Processing..."}`, string(frame.Payload))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerAcksWithoutPayloadWhenNotAccepted(t *testing.T) {
	conn := newScriptConn()
	dialer := &fakeDialer{conns: []*scriptConn{conn}}
	opener := &fakeOpener{results: []func() (string, error){
		func() (string, error) { return "wss://one", nil },
	}}
	sink := newOrderedSink()
	m, _ := newTestManager(t, opener, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn.push(`{"envelope_id":"env-2","type":"events_api","payload":{"event":{"type":"app_mention"}}}`)
	<-sink.submitted

	writes := conn.writeLog()
	require.Len(t, writes, 1)
	require.JSONEq(t, `{"envelope_id":"env-2"}`, writes[0])
}

func TestManagerReconnectsWithFreshURL(t *testing.T) {
	first := newScriptConn()
	second := newScriptConn()
	dialer := &fakeDialer{conns: []*scriptConn{first, second}}
	opener := &fakeOpener{results: []func() (string, error){
		func() (string, error) { return "wss://one", nil },
		func() (string, error) { return "wss://two", nil },
	}}
	sink := newOrderedSink()
	m, capture := newTestManager(t, opener, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	first.push(`{"type":"hello"}`)
	require.Eventually(t, func() bool { return m.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	// Kill the socket; the manager must fetch a fresh URL, not redial the
	// old one.
	first.Close()

	second.push(`{"type":"hello"}`)
	second.push(`{"envelope_id":"env-after","type":"events_api","payload":{}}`)
	select {
	case id := <-sink.submitted:
		require.Equal(t, "env-after", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope after reconnect")
	}

	require.Equal(t, []string{"wss://one", "wss://two"}, dialer.dialedURLs())

	var readyCount int
	for _, ev := range capture.named("t.connection.state") {
		if ev.Metadata["state"] == "ready" {
			readyCount++
		}
	}
	require.Equal(t, 2, readyCount)
}

func TestManagerDisconnectFrameSkipsBackoff(t *testing.T) {
	first := newScriptConn()
	second := newScriptConn()
	dialer := &fakeDialer{conns: []*scriptConn{first, second}}
	opener := &fakeOpener{results: []func() (string, error){
		func() (string, error) { return "wss://one", nil },
		func() (string, error) { return "wss://two", nil },
	}}
	sink := newOrderedSink()
	m, _ := newTestManager(t, opener, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	first.push(`{"type":"hello"}`)
	first.push(`{"type":"disconnect","reason":"refresh_requested"}`)

	second.push(`{"type":"hello"}`)
	require.Eventually(t, func() bool {
		return len(dialer.dialedURLs()) == 2 && m.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, m.backoff.Attempt())
}

func TestManagerWaitsOutRateLimitedOpen(t *testing.T) {
	conn := newScriptConn()
	dialer := &fakeDialer{conns: []*scriptConn{conn}}
	retryAfter := 150 * time.Millisecond
	opener := &fakeOpener{results: []func() (string, error){
		func() (string, error) {
			return "", &webapi.RateLimitedError{Method: "apps.connections.open", RetryAfter: retryAfter}
		},
		func() (string, error) { return "wss://one", nil },
	}}
	sink := newOrderedSink()
	m, capture := newTestManager(t, opener, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn.push(`{"type":"hello"}`)
	require.Eventually(t, func() bool { return m.State() == StateReady }, 2*time.Second, 5*time.Millisecond)

	calls := opener.callTimes()
	require.Len(t, calls, 2)
	require.GreaterOrEqual(t, calls[1].Sub(calls[0]), retryAfter)

	limited := capture.named("t.connection.rate_limited")
	require.Len(t, limited, 1)
	require.Equal(t, retryAfter, limited[0].Metadata["retry_after"])
}

func TestManagerDiscardsMalformedFrames(t *testing.T) {
	conn := newScriptConn()
	dialer := &fakeDialer{conns: []*scriptConn{conn}}
	opener := &fakeOpener{results: []func() (string, error){
		func() (string, error) { return "wss://one", nil },
	}}
	sink := newOrderedSink()
	m, _ := newTestManager(t, opener, dialer, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn.push(`not json at all`)
	conn.push(`{"envelope_id":"env-ok","type":"events_api","payload":{}}`)

	select {
	case id := <-sink.submitted:
		require.Equal(t, "env-ok", id)
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope after garbage never arrived")
	}
}
