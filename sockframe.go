// Package sockframe assembles the Socket Mode runtime: configuration,
// telemetry, rate-limited Web API access, the workspace cache, the handler
// pipeline, and the connection manager, supervised as one unit.
package sockframe

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ca-srg/sockframe/cache"
	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/connection"
	"github.com/ca-srg/sockframe/diagnostics"
	"github.com/ca-srg/sockframe/eventbuffer"
	"github.com/ca-srg/sockframe/pipeline"
	"github.com/ca-srg/sockframe/ratelimit"
	"github.com/ca-srg/sockframe/telemetry"
	"github.com/ca-srg/sockframe/webapi"
)

// Instance is one running bot. Build it with New, register handlers, then
// call Run.
type Instance struct {
	store      *config.Store
	bus        *telemetry.Bus
	buffer     eventbuffer.Adapter
	diag       *diagnostics.Recorder
	api        *webapi.Client
	provider   *cache.Provider
	queue      *cache.Queue
	syncers    []*cache.Syncer
	dispatcher *pipeline.Dispatcher
	manager    *connection.Manager
	logger     *log.Logger

	// ownedRedis is closed on Shutdown when the instance built the client
	// itself.
	ownedRedis *redis.Client
}

type instanceOptions struct {
	logger     *log.Logger
	buffer     eventbuffer.Adapter
	dialer     connection.Dialer
	doer       webapi.Doer
	otelBridge bool
}

// Option adjusts an Instance at construction time.
type Option func(*instanceOptions)

// WithLogger replaces the default logger shared by the instance components.
func WithLogger(l *log.Logger) Option {
	return func(o *instanceOptions) { o.logger = l }
}

// WithEventBuffer replaces the dedupe backend selected by configuration.
func WithEventBuffer(a eventbuffer.Adapter) Option {
	return func(o *instanceOptions) { o.buffer = a }
}

// WithDialer replaces the websocket dialer. Tests use this to script the
// socket.
func WithDialer(d connection.Dialer) Option {
	return func(o *instanceOptions) { o.dialer = d }
}

// WithDoer replaces the Web API HTTP transport.
func WithDoer(d webapi.Doer) Option {
	return func(o *instanceOptions) { o.doer = d }
}

// WithOTelBridge forwards telemetry events to OpenTelemetry instruments.
func WithOTelBridge() Option {
	return func(o *instanceOptions) { o.otelBridge = true }
}

// New wires an Instance from one validated configuration.
func New(cfg *config.Config, opts ...Option) (*Instance, error) {
	var o instanceOptions
	for _, opt := range opts {
		opt(&o)
	}

	store, err := config.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	snap := store.Snapshot()

	logger := o.logger
	if logger == nil {
		logger = log.New(os.Stdout, "sockframe ", log.LstdFlags)
	}

	bus := telemetry.NewBus(snap.TelemetryPrefix, logger)
	if o.otelBridge {
		telemetry.BridgeOTel(bus)
	}

	i := &Instance{
		store:  store,
		bus:    bus,
		logger: logger,
	}

	i.buffer = o.buffer
	if i.buffer == nil {
		if addr := snap.EventBuffer.RedisAddr; addr != "" {
			i.ownedRedis = redis.NewClient(&redis.Options{Addr: addr})
			i.buffer = eventbuffer.NewRedis(i.ownedRedis, snap.InstanceName, snap.EventBuffer.TTL)
		} else {
			i.buffer = eventbuffer.NewMemory(snap.EventBuffer.TTL)
		}
	}
	i.buffer = eventbuffer.Instrument(i.buffer, bus)

	if snap.Diagnostics.Enabled {
		i.diag = diagnostics.NewRecorder(snap.Diagnostics.BufferSize)
	}

	keys := ratelimit.NewKeyLimiter(bus)
	tiers := ratelimit.NewTierLimiter(bus)
	apiOpts := []webapi.Option{webapi.WithLogger(logger)}
	if o.doer != nil {
		apiOpts = append(apiOpts, webapi.WithDoer(o.doer))
	}
	i.api = webapi.New(store, keys, tiers, bus, apiOpts...)

	i.provider = cache.NewProvider(store, cache.WithProviderLogger(logger))
	i.queue = cache.NewQueue(i.provider)

	i.dispatcher = pipeline.NewDispatcher(store, i.buffer, i.diag, bus,
		pipeline.WithDispatcherLogger(logger))
	i.dispatcher.Use(pipeline.CacheRefresh(i.queue))

	if snap.CacheSync.Enabled {
		for _, kind := range snap.CacheSync.Kinds {
			i.syncers = append(i.syncers, cache.NewSyncer(kind, store, i.api, i.queue, bus, logger))
		}
	}

	managerOpts := []connection.ManagerOption{connection.WithManagerLogger(logger)}
	if o.dialer != nil {
		managerOpts = append(managerOpts, connection.WithManagerDialer(o.dialer))
	}
	i.manager = connection.NewManager(store, i.api, i.dispatcher, bus, managerOpts...)

	return i, nil
}

// Config exposes the live configuration store for snapshots and reloads.
func (i *Instance) Config() *config.Store { return i.store }

// API exposes the rate-limited Web API client.
func (i *Instance) API() *webapi.Client { return i.api }

// Cache exposes the workspace cache for reads.
func (i *Instance) Cache() *cache.Provider { return i.provider }

// Diagnostics exposes the frame recorder, or nil when disabled.
func (i *Instance) Diagnostics() *diagnostics.Recorder { return i.diag }

// Telemetry exposes the event bus for attaching handlers.
func (i *Instance) Telemetry() *telemetry.Bus { return i.bus }

// ConnectionState reports the current socket lifecycle phase.
func (i *Instance) ConnectionState() connection.State { return i.manager.State() }

// Use registers pipeline middleware. Call before Run.
func (i *Instance) Use(mw ...pipeline.Middleware) { i.dispatcher.Use(mw...) }

// Handle registers handlers for one envelope type. Call before Run.
func (i *Instance) Handle(t pipeline.EnvelopeType, h ...pipeline.Handler) {
	i.dispatcher.Handle(t, h...)
}

// SetCustomAck installs the ack-body function used under the custom ack
// mode.
func (i *Instance) SetCustomAck(fn func(payload []byte) []byte) {
	i.dispatcher.SetCustomAck(fn)
}

// Emit feeds a synthetic envelope through the pipeline.
func (i *Instance) Emit(ctx context.Context, t pipeline.EnvelopeType, payload []byte) error {
	return i.dispatcher.Emit(ctx, t, payload)
}

// Replay re-dispatches recorded frames matching filter. A nil filter
// replays everything. It reports how many entries were dispatched.
func (i *Instance) Replay(ctx context.Context, filter func(diagnostics.Entry) bool) (int, error) {
	return i.diag.ReplayAll(ctx, filter, i.dispatcher.ReplayEntry)
}

// Run starts every component and blocks until ctx is cancelled. Components
// that exit unexpectedly are restarted with backoff; a crash in one never
// takes down the others.
func (i *Instance) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return i.supervise(ctx, "cache", i.provider.Run) })
	for _, s := range i.syncers {
		s := s
		g.Go(func() error { return i.supervise(ctx, "sync", s.Run) })
	}
	g.Go(func() error { return i.supervise(ctx, "connection", i.manager.Run) })

	err := g.Wait()
	i.shutdown()
	return err
}

// supervise restarts run until ctx is cancelled, with backoff between
// unexpected exits.
func (i *Instance) supervise(ctx context.Context, name string, run func(context.Context) error) error {
	backoff := connection.NewBackoff(time.Second, 30*time.Second)
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff.Next()
		i.logger.Printf("component %s exited, restarting in %s: %v", name, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (i *Instance) shutdown() {
	i.api.Close()
	if i.ownedRedis != nil {
		if err := i.ownedRedis.Close(); err != nil {
			i.logger.Printf("closing redis: %v", err)
		}
	}
}
