package cache

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/slack-go/slack"

	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/telemetry"
	"github.com/ca-srg/sockframe/webapi"
)

// API is the slice of the Web API client the syncers consume.
type API interface {
	AuthTest(ctx context.Context) (*slack.AuthTestResponse, error)
	UsersList(ctx context.Context, cursor string, limit int, includePresence bool) (*webapi.UserPage, error)
	UsersConversations(ctx context.Context, userID, cursor string, limit int) (*webapi.ChannelPage, error)
}

// pendingSync is the partial-progress marker for a sweep interrupted by a
// rate limit. The cursor resumes exactly where the sweep yielded; rows from
// already-fetched pages were persisted before yielding.
type pendingSync struct {
	cursor string
	count  int
}

// Syncer is one periodic pager. It runs a full sweep immediately on start,
// then every configured interval, yielding (not blocking) whenever Slack
// rate-limits the listing call.
type Syncer struct {
	kind   config.SyncKind
	store  *config.Store
	api    API
	queue  *Queue
	bus    *telemetry.Bus
	logger *log.Logger

	botUserID string
	pending   pendingSync

	// channelsByID accumulates across one channel sweep and lands in
	// metadata when the sweep completes.
	channelsByID map[string]slack.Channel
}

// NewSyncer builds a pager for the given kind.
func NewSyncer(kind config.SyncKind, store *config.Store, api API, queue *Queue, bus *telemetry.Bus, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stdout, "cache-sync ", log.LstdFlags)
	}
	return &Syncer{
		kind:   kind,
		store:  store,
		api:    api,
		queue:  queue,
		bus:    bus,
		logger: logger,
	}
}

// Run drives the sweep loop until ctx is cancelled. The loop is timer
// driven: a rate-limited page sets the timer to the server-provided delay,
// an in-progress sweep fires again immediately, a completed sweep waits the
// sync interval.
func (s *Syncer) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(s.step(ctx))
		}
	}
}

// step fetches one page and reports how long to wait before the next fire.
func (s *Syncer) step(ctx context.Context) time.Duration {
	cfg := s.store.Snapshot()

	if s.kind == config.SyncChannels && s.botUserID == "" {
		if err := s.resolveIdentity(ctx, cfg); err != nil {
			var rl *webapi.RateLimitedError
			if errors.As(err, &rl) {
				s.emitSync(ctx, "rate_limited", 0, rl.RetryAfter)
				return rl.RetryAfter
			}
			s.logger.Printf("identity resolution failed kind=%s err=%v", s.kind, err)
			return cfg.CacheSync.Interval
		}
	}

	mutations, nextCursor, err := s.fetchPage(ctx, cfg)
	if err != nil {
		var rl *webapi.RateLimitedError
		if errors.As(err, &rl) {
			// Partial progress is already persisted; resume from the
			// saved cursor after the server-provided delay.
			s.emitSync(ctx, "rate_limited", s.pending.count, rl.RetryAfter)
			return rl.RetryAfter
		}
		s.logger.Printf("sweep failed kind=%s err=%v", s.kind, err)
		s.emitSync(ctx, "error", s.pending.count, 0)
		s.pending = pendingSync{}
		s.channelsByID = nil
		return cfg.CacheSync.Interval
	}

	for _, m := range mutations {
		if err := s.queue.Apply(ctx, m); err != nil {
			s.logger.Printf("sweep mutation failed kind=%s err=%v", s.kind, err)
		}
	}
	s.pending.count += len(mutations)

	if nextCursor != "" {
		s.pending.cursor = nextCursor
		return 0
	}

	s.finishSweep(ctx)
	count := s.pending.count
	s.pending = pendingSync{}
	s.emitSync(ctx, "ok", count, 0)
	return cfg.CacheSync.Interval
}

func (s *Syncer) resolveIdentity(ctx context.Context, cfg *config.Config) error {
	if cfg.BotUserID != "" {
		s.botUserID = cfg.BotUserID
		return nil
	}
	auth, err := s.api.AuthTest(ctx)
	if err != nil {
		return err
	}
	s.botUserID = auth.UserID
	return nil
}

func (s *Syncer) fetchPage(ctx context.Context, cfg *config.Config) ([]Mutation, string, error) {
	switch s.kind {
	case config.SyncUsers:
		page, err := s.api.UsersList(ctx, s.pending.cursor, cfg.CacheSync.PageLimit, cfg.CacheSync.IncludePresence)
		if err != nil {
			return nil, "", err
		}
		mutations := make([]Mutation, 0, len(page.Users))
		for _, u := range page.Users {
			mutations = append(mutations, Mutation{Kind: PutUser, User: u})
		}
		return mutations, page.NextCursor, nil

	case config.SyncChannels:
		page, err := s.api.UsersConversations(ctx, s.botUserID, s.pending.cursor, cfg.CacheSync.PageLimit)
		if err != nil {
			return nil, "", err
		}
		if s.channelsByID == nil {
			s.channelsByID = make(map[string]slack.Channel)
		}
		mutations := make([]Mutation, 0, len(page.Channels))
		for _, ch := range page.Channels {
			s.channelsByID[ch.ID] = ch
			mutations = append(mutations, Mutation{Kind: JoinChannel, ChannelID: ch.ID})
		}
		return mutations, page.NextCursor, nil
	}
	return nil, "", nil
}

func (s *Syncer) finishSweep(ctx context.Context) {
	if s.kind != config.SyncChannels || s.channelsByID == nil {
		return
	}
	if err := s.queue.Apply(ctx, Mutation{
		Kind:      PutMetadata,
		MetaKey:   "channels_by_id",
		MetaValue: s.channelsByID,
	}); err != nil {
		s.logger.Printf("metadata update failed err=%v", err)
	}
	s.channelsByID = nil
}

func (s *Syncer) emitSync(ctx context.Context, status string, count int, retryAfter time.Duration) {
	measurements := map[string]any{"count": count}
	if retryAfter > 0 {
		measurements["retry_after"] = retryAfter
	}
	s.bus.Emit(ctx, []string{"cache", "sync"}, measurements, map[string]any{
		"kind":   string(s.kind),
		"status": status,
	})
}
