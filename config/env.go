package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	env "github.com/netflix/go-env"
)

// envConfig is the flat environment mapping. It is folded into the nested
// Config shape by Load.
type envConfig struct {
	AppToken        string `env:"SLACK_APP_TOKEN"`
	BotToken        string `env:"SLACK_BOT_TOKEN"`
	BotUserID       string `env:"SLACK_BOT_USER_ID"`
	InstanceName    string `env:"SOCKFRAME_INSTANCE_NAME,default=default"`
	TelemetryPrefix string `env:"SOCKFRAME_TELEMETRY_PREFIX,default=sockframe"`
	AckMode         string `env:"SOCKFRAME_ACK_MODE,default=silent"`

	CacheSyncEnabled   bool          `env:"SOCKFRAME_CACHE_SYNC_ENABLED,default=true"`
	CacheSyncKindsStr  string        `env:"SOCKFRAME_CACHE_SYNC_KINDS,default=users|channels"`
	CacheSyncInterval  time.Duration `env:"SOCKFRAME_CACHE_SYNC_INTERVAL,default=1h"`
	CacheSyncPageLimit int           `env:"SOCKFRAME_CACHE_SYNC_PAGE_LIMIT,default=200"`
	IncludePresence    bool          `env:"SOCKFRAME_CACHE_SYNC_PRESENCE,default=false"`

	EventBufferTTL   time.Duration `env:"SOCKFRAME_EVENT_BUFFER_TTL,default=5m"`
	EventBufferRedis string        `env:"SOCKFRAME_EVENT_BUFFER_REDIS"`

	UserCacheTTL     time.Duration `env:"SOCKFRAME_USER_CACHE_TTL,default=30m"`
	UserCacheCleanup time.Duration `env:"SOCKFRAME_USER_CACHE_CLEANUP_INTERVAL,default=5m"`

	DiagnosticsEnabled bool `env:"SOCKFRAME_DIAGNOSTICS_ENABLED,default=false"`
	DiagnosticsBuffer  int  `env:"SOCKFRAME_DIAGNOSTICS_BUFFER_SIZE,default=100"`

	APIPoolWorkers int `env:"SOCKFRAME_API_POOL_WORKERS,default=4"`
	APIPoolQueue   int `env:"SOCKFRAME_API_POOL_QUEUE,default=64"`

	RequestTimeout    time.Duration `env:"SOCKFRAME_REQUEST_TIMEOUT,default=10s"`
	HeartbeatInterval time.Duration `env:"SOCKFRAME_HEARTBEAT_INTERVAL,default=30s"`
}

// Load builds a validated Config from environment variables. A .env file in
// the working directory is folded in first when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var ec envConfig
	if _, err := env.UnmarshalFromEnviron(&ec); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg := &Config{
		AppToken:        ec.AppToken,
		BotToken:        ec.BotToken,
		BotUserID:       ec.BotUserID,
		InstanceName:    ec.InstanceName,
		TelemetryPrefix: ec.TelemetryPrefix,
		AckMode:         AckMode(ec.AckMode),
		CacheSync: CacheSyncConfig{
			Enabled:         ec.CacheSyncEnabled,
			Kinds:           parseSyncKinds(ec.CacheSyncKindsStr),
			Interval:        ec.CacheSyncInterval,
			PageLimit:       ec.CacheSyncPageLimit,
			IncludePresence: ec.IncludePresence,
		},
		EventBuffer: EventBufferConfig{
			TTL:       ec.EventBufferTTL,
			RedisAddr: ec.EventBufferRedis,
		},
		UserCache: UserCacheConfig{
			TTL:             ec.UserCacheTTL,
			CleanupInterval: ec.UserCacheCleanup,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:    ec.DiagnosticsEnabled,
			BufferSize: ec.DiagnosticsBuffer,
		},
		APIPool: APIPoolConfig{
			Workers:   ec.APIPoolWorkers,
			QueueSize: ec.APIPoolQueue,
		},
		RequestTimeout:    ec.RequestTimeout,
		HeartbeatInterval: ec.HeartbeatInterval,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parseSyncKinds(input string) []SyncKind {
	parts := strings.Split(input, "|")
	kinds := make([]SyncKind, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			kinds = append(kinds, SyncKind(trimmed))
		}
	}
	return kinds
}
