package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overrides is the YAML override file shape. Absent fields keep the value
// from the base snapshot; durations are Go duration strings ("90s", "1h").
type Overrides struct {
	InstanceName    *string `yaml:"instance_name"`
	TelemetryPrefix *string `yaml:"telemetry_prefix"`
	AckMode         *string `yaml:"ack_mode"`

	CacheSync *struct {
		Enabled   *bool    `yaml:"enabled"`
		Kinds     []string `yaml:"kinds"`
		Interval  *string  `yaml:"interval"`
		PageLimit *int     `yaml:"page_limit"`
	} `yaml:"cache_sync"`

	EventBufferTTL *string `yaml:"event_buffer_ttl"`

	UserCache *struct {
		TTL             *string `yaml:"ttl"`
		CleanupInterval *string `yaml:"cleanup_interval"`
	} `yaml:"user_cache"`

	Diagnostics *struct {
		Enabled    *bool `yaml:"enabled"`
		BufferSize *int  `yaml:"buffer_size"`
	} `yaml:"diagnostics"`

	APIPool *struct {
		Workers   *int `yaml:"workers"`
		QueueSize *int `yaml:"queue_size"`
	} `yaml:"api_pool"`

	RequestTimeout    *string `yaml:"request_timeout"`
	HeartbeatInterval *string `yaml:"heartbeat_interval"`
}

// LoadOverrides reads a YAML override file from disk.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides file: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse overrides file: %w", err)
	}
	return &o, nil
}

// Apply folds the overrides into cfg. Validation happens at Store.Reload,
// not here.
func (o *Overrides) Apply(cfg *Config) error {
	if o == nil || cfg == nil {
		return nil
	}
	if o.InstanceName != nil {
		cfg.InstanceName = *o.InstanceName
	}
	if o.TelemetryPrefix != nil {
		cfg.TelemetryPrefix = *o.TelemetryPrefix
	}
	if o.AckMode != nil {
		cfg.AckMode = AckMode(*o.AckMode)
	}

	if o.CacheSync != nil {
		if o.CacheSync.Enabled != nil {
			cfg.CacheSync.Enabled = *o.CacheSync.Enabled
		}
		if len(o.CacheSync.Kinds) > 0 {
			kinds := make([]SyncKind, 0, len(o.CacheSync.Kinds))
			for _, k := range o.CacheSync.Kinds {
				kinds = append(kinds, SyncKind(k))
			}
			cfg.CacheSync.Kinds = kinds
		}
		if err := applyDuration(o.CacheSync.Interval, &cfg.CacheSync.Interval); err != nil {
			return fmt.Errorf("cache_sync.interval: %w", err)
		}
		if o.CacheSync.PageLimit != nil {
			cfg.CacheSync.PageLimit = *o.CacheSync.PageLimit
		}
	}

	if err := applyDuration(o.EventBufferTTL, &cfg.EventBuffer.TTL); err != nil {
		return fmt.Errorf("event_buffer_ttl: %w", err)
	}

	if o.UserCache != nil {
		if err := applyDuration(o.UserCache.TTL, &cfg.UserCache.TTL); err != nil {
			return fmt.Errorf("user_cache.ttl: %w", err)
		}
		if err := applyDuration(o.UserCache.CleanupInterval, &cfg.UserCache.CleanupInterval); err != nil {
			return fmt.Errorf("user_cache.cleanup_interval: %w", err)
		}
	}

	if o.Diagnostics != nil {
		if o.Diagnostics.Enabled != nil {
			cfg.Diagnostics.Enabled = *o.Diagnostics.Enabled
		}
		if o.Diagnostics.BufferSize != nil {
			cfg.Diagnostics.BufferSize = *o.Diagnostics.BufferSize
		}
	}

	if o.APIPool != nil {
		if o.APIPool.Workers != nil {
			cfg.APIPool.Workers = *o.APIPool.Workers
		}
		if o.APIPool.QueueSize != nil {
			cfg.APIPool.QueueSize = *o.APIPool.QueueSize
		}
	}

	if err := applyDuration(o.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return fmt.Errorf("request_timeout: %w", err)
	}
	if err := applyDuration(o.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return fmt.Errorf("heartbeat_interval: %w", err)
	}
	return nil
}

func applyDuration(raw *string, dst *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
