package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig tags every validation failure so callers can detect a
// rejected reload without matching message text.
var ErrInvalidConfig = errors.New("invalid configuration")

// AckMode selects the automatic acknowledgement strategy for slash commands.
type AckMode string

const (
	// AckSilent acknowledges with an empty body.
	AckSilent AckMode = "silent"
	// AckEphemeral acknowledges with a default "Processing..." body.
	AckEphemeral AckMode = "ephemeral"
	// AckCustom acknowledges with the body produced by the registered
	// custom ack function.
	AckCustom AckMode = "custom"
)

// SyncKind identifies one background cache sweep.
type SyncKind string

const (
	SyncUsers    SyncKind = "users"
	SyncChannels SyncKind = "channels"
)

// CacheSyncConfig controls the background pagers that keep the workspace
// cache warm.
type CacheSyncConfig struct {
	Enabled         bool
	Kinds           []SyncKind
	Interval        time.Duration
	PageLimit       int
	IncludePresence bool
}

// EventBufferConfig controls envelope deduplication.
type EventBufferConfig struct {
	TTL time.Duration
	// RedisAddr selects the shared Redis backend. Empty keeps dedupe
	// in-process.
	RedisAddr string
}

// UserCacheConfig controls per-user cache entry lifetimes.
type UserCacheConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// DiagnosticsConfig controls the recent-frame ring buffer.
type DiagnosticsConfig struct {
	Enabled    bool
	BufferSize int
}

// APIPoolConfig sizes the worker pool behind asynchronous Web API calls.
type APIPoolConfig struct {
	Workers   int
	QueueSize int
}

// Config is one immutable configuration snapshot. Components always read the
// current snapshot through a Store and never retain Config fields across
// blocking work, because a reload may replace the snapshot underneath them.
type Config struct {
	AppToken        string
	BotToken        string
	BotUserID       string
	InstanceName    string
	TelemetryPrefix string

	AckMode AckMode

	CacheSync   CacheSyncConfig
	EventBuffer EventBufferConfig
	UserCache   UserCacheConfig
	Diagnostics DiagnosticsConfig
	APIPool     APIPoolConfig

	// RequestTimeout bounds every outbound HTTP call.
	RequestTimeout time.Duration
	// HeartbeatInterval is the maximum socket silence tolerated before the
	// connection is treated as dead.
	HeartbeatInterval time.Duration

	// Assigns is free-form user state threaded into every handler context.
	Assigns map[string]any
}

// Validate normalizes tunables into safe ranges and rejects snapshots that
// cannot run. The receiver is adjusted in place, matching the
// validate-and-clamp style used across this codebase.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.AppToken) == "" {
		return fmt.Errorf("%w: app token is required for socket mode", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("%w: bot token is required", ErrInvalidConfig)
	}

	if c.InstanceName == "" {
		c.InstanceName = "default"
	}
	if c.TelemetryPrefix == "" {
		c.TelemetryPrefix = "sockframe"
	}

	switch c.AckMode {
	case "":
		c.AckMode = AckSilent
	case AckSilent, AckEphemeral, AckCustom:
	default:
		return fmt.Errorf("%w: unknown ack mode %q", ErrInvalidConfig, c.AckMode)
	}

	if c.EventBuffer.TTL <= 0 {
		c.EventBuffer.TTL = 5 * time.Minute
	}
	if c.UserCache.TTL <= 0 {
		c.UserCache.TTL = 30 * time.Minute
	}
	if c.UserCache.CleanupInterval <= 0 {
		c.UserCache.CleanupInterval = 5 * time.Minute
	}

	if c.CacheSync.Enabled {
		if len(c.CacheSync.Kinds) == 0 {
			c.CacheSync.Kinds = []SyncKind{SyncUsers, SyncChannels}
		}
		for _, k := range c.CacheSync.Kinds {
			if k != SyncUsers && k != SyncChannels {
				return fmt.Errorf("%w: unknown cache sync kind %q", ErrInvalidConfig, k)
			}
		}
		if c.CacheSync.Interval <= 0 {
			c.CacheSync.Interval = time.Hour
		}
		if c.CacheSync.PageLimit < 1 {
			c.CacheSync.PageLimit = 200
		}
		if c.CacheSync.PageLimit > 1000 {
			c.CacheSync.PageLimit = 1000
		}
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.BufferSize < 1 {
			c.Diagnostics.BufferSize = 100
		}
		if c.Diagnostics.BufferSize > 10000 {
			c.Diagnostics.BufferSize = 10000
		}
	}

	if c.APIPool.Workers < 1 {
		c.APIPool.Workers = 4
	}
	if c.APIPool.Workers > 64 {
		c.APIPool.Workers = 64
	}
	if c.APIPool.QueueSize < c.APIPool.Workers {
		c.APIPool.QueueSize = c.APIPool.Workers * 16
	}

	if c.RequestTimeout < 5*time.Second {
		c.RequestTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}

	return nil
}

// Clone returns a deep copy so reload mutations never alias the published
// snapshot.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.CacheSync.Kinds = append([]SyncKind(nil), c.CacheSync.Kinds...)
	if c.Assigns != nil {
		out.Assigns = make(map[string]any, len(c.Assigns))
		for k, v := range c.Assigns {
			out.Assigns[k] = v
		}
	}
	return &out
}
