// Package cache keeps a coherent snapshot of workspace users and channels.
// All writes flow through a single-writer mutation queue; background syncers
// and event-driven updates share that queue, so mutations serialize against
// page sweeps.
package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/slack-go/slack"

	"github.com/ca-srg/sockframe/config"
)

// MutationKind enumerates the cache write operations.
type MutationKind int

const (
	JoinChannel MutationKind = iota
	LeaveChannel
	PutUser
	DropUser
	PutMetadata
)

func (k MutationKind) String() string {
	switch k {
	case JoinChannel:
		return "join_channel"
	case LeaveChannel:
		return "leave_channel"
	case PutUser:
		return "put_user"
	case DropUser:
		return "drop_user"
	case PutMetadata:
		return "put_metadata"
	}
	return "unknown"
}

// Mutation is one cache write. Only the fields relevant to Kind are read.
type Mutation struct {
	Kind      MutationKind
	ChannelID string
	User      slack.User
	UserID    string
	MetaKey   string
	MetaValue any
}

type userEntry struct {
	user      slack.User
	expiresAt time.Time
}

type cacheState struct {
	channels map[string]struct{}
	users    map[string]userEntry
	metadata map[string]any
}

type request struct {
	mutate *Mutation
	read   func(*cacheState)
	reply  chan error
}

// Provider owns the cache state. One goroutine consumes the request channel,
// so readers observe every mutation that completed before their call and
// writes apply in queue order.
type Provider struct {
	store  *config.Store
	logger *log.Logger
	now    func() time.Time

	reqs chan request
}

// ProviderOption adjusts a Provider at construction time.
type ProviderOption func(*Provider)

// WithProviderClock injects a clock for tests.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// WithProviderLogger replaces the default logger.
func WithProviderLogger(l *log.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider builds a Provider. Run must be started before use.
func NewProvider(store *config.Store, opts ...ProviderOption) *Provider {
	p := &Provider{
		store:  store,
		logger: log.New(os.Stdout, "cache ", log.LstdFlags),
		now:    time.Now,
		reqs:   make(chan request, 256),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes mutations and reads until ctx is cancelled. The janitor
// ticker prunes expired user entries between reads.
func (p *Provider) Run(ctx context.Context) error {
	st := &cacheState{
		channels: make(map[string]struct{}),
		users:    make(map[string]userEntry),
		metadata: make(map[string]any),
	}

	cleanup := p.store.Snapshot().UserCache.CleanupInterval
	janitor := time.NewTicker(cleanup)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-janitor.C:
			p.pruneUsers(st)
		case req := <-p.reqs:
			p.handle(st, req)
		}
	}
}

func (p *Provider) handle(st *cacheState, req request) {
	var err error
	if req.mutate != nil {
		err = p.apply(st, req.mutate)
		if err != nil {
			// A failed mutation never poisons the queue.
			p.logger.Printf("mutation failed kind=%s err=%v", req.mutate.Kind, err)
		}
	}
	if req.read != nil {
		p.pruneUsers(st)
		req.read(st)
	}
	if req.reply != nil {
		req.reply <- err
	}
}

func (p *Provider) apply(st *cacheState, m *Mutation) error {
	switch m.Kind {
	case JoinChannel:
		if m.ChannelID == "" {
			return fmt.Errorf("join_channel: empty channel id")
		}
		st.channels[m.ChannelID] = struct{}{}
	case LeaveChannel:
		if m.ChannelID == "" {
			return fmt.Errorf("leave_channel: empty channel id")
		}
		delete(st.channels, m.ChannelID)
	case PutUser:
		if m.User.ID == "" {
			return fmt.Errorf("put_user: empty user id")
		}
		ttl := p.store.Snapshot().UserCache.TTL
		st.users[m.User.ID] = userEntry{
			user:      m.User,
			expiresAt: p.now().Add(ttl),
		}
	case DropUser:
		if m.UserID == "" {
			return fmt.Errorf("drop_user: empty user id")
		}
		delete(st.users, m.UserID)
	case PutMetadata:
		if m.MetaKey == "" {
			return fmt.Errorf("put_metadata: empty key")
		}
		st.metadata[m.MetaKey] = m.MetaValue
	default:
		return fmt.Errorf("unknown mutation kind %d", m.Kind)
	}
	return nil
}

func (p *Provider) pruneUsers(st *cacheState) {
	now := p.now()
	for id, e := range st.users {
		if !e.expiresAt.After(now) {
			delete(st.users, id)
		}
	}
}

func (p *Provider) read(ctx context.Context, fn func(*cacheState)) error {
	reply := make(chan error, 1)
	select {
	case p.reqs <- request{read: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channels returns the channels the bot currently belongs to.
func (p *Provider) Channels(ctx context.Context) ([]string, error) {
	var out []string
	err := p.read(ctx, func(st *cacheState) {
		out = make([]string, 0, len(st.channels))
		for id := range st.channels {
			out = append(out, id)
		}
	})
	return out, err
}

// Users returns every unexpired cached user keyed by ID.
func (p *Provider) Users(ctx context.Context) (map[string]slack.User, error) {
	var out map[string]slack.User
	err := p.read(ctx, func(st *cacheState) {
		out = make(map[string]slack.User, len(st.users))
		for id, e := range st.users {
			out[id] = e.user
		}
	})
	return out, err
}

// UserEntry returns one cached user, reporting whether an unexpired entry
// exists.
func (p *Provider) UserEntry(ctx context.Context, id string) (slack.User, bool, error) {
	var user slack.User
	var ok bool
	err := p.read(ctx, func(st *cacheState) {
		var e userEntry
		e, ok = st.users[id]
		user = e.user
	})
	return user, ok, err
}

// Metadata returns a copy of the free-form metadata map.
func (p *Provider) Metadata(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := p.read(ctx, func(st *cacheState) {
		out = make(map[string]any, len(st.metadata))
		for k, v := range st.metadata {
			out[k] = v
		}
	})
	return out, err
}
