// Package observability initializes the OpenTelemetry SDK: OTLP exporters
// for metrics and traces, resource attribution, and coordinated shutdown.
// The telemetry bus bridges framework events onto the instruments this
// package provisions.
package observability

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	env "github.com/netflix/go-env"
)

const (
	defaultServiceName = "sockframe"
	protocolHTTP       = "http/protobuf"
	protocolGRPC       = "grpc"
	serviceNameAttrKey = "service.name"
)

// Config holds the resolved OpenTelemetry settings.
type Config struct {
	Enabled              bool
	ServiceName          string
	ExporterEndpoint     string
	ExporterProtocol     string
	ResourceAttributes   map[string]string
	TracesSampler        string
	TracesSamplerArg     float64
	MetricExportInterval time.Duration
}

type envObservability struct {
	Enabled            bool    `env:"SOCKFRAME_OTEL_ENABLED,default=false"`
	ServiceName        string  `env:"OTEL_SERVICE_NAME"`
	ExporterEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ExporterProtocol   string  `env:"OTEL_EXPORTER_OTLP_PROTOCOL,default=http/protobuf"`
	ResourceAttributes string  `env:"OTEL_RESOURCE_ATTRIBUTES"`
	TracesSampler      string  `env:"OTEL_TRACES_SAMPLER,default=always_on"`
	TracesSamplerArg   float64 `env:"OTEL_TRACES_SAMPLER_ARG,default=1.0"`

	MetricExportInterval time.Duration `env:"SOCKFRAME_OTEL_METRIC_INTERVAL,default=60s"`
}

// LoadFromEnv resolves the observability configuration from standard OTEL
// environment variables plus the sockframe enable switch.
func LoadFromEnv() (*Config, error) {
	var eo envObservability
	if _, err := env.UnmarshalFromEnviron(&eo); err != nil {
		return nil, fmt.Errorf("observability: failed to parse environment variables: %w", err)
	}

	attrs, err := parseResourceAttributes(eo.ResourceAttributes)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to parse resource attributes: %w", err)
	}

	cfg := &Config{
		Enabled:              eo.Enabled,
		ServiceName:          strings.TrimSpace(eo.ServiceName),
		ExporterEndpoint:     strings.TrimSpace(eo.ExporterEndpoint),
		ExporterProtocol:     strings.TrimSpace(eo.ExporterProtocol),
		ResourceAttributes:   attrs,
		TracesSampler:        strings.TrimSpace(eo.TracesSampler),
		TracesSamplerArg:     eo.TracesSamplerArg,
		MetricExportInterval: eo.MetricExportInterval,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes defaults and rejects configurations that cannot
// export. A disabled config always validates.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("observability: config is nil")
	}

	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	c.ExporterProtocol = strings.ToLower(strings.TrimSpace(c.ExporterProtocol))
	if c.ExporterProtocol == "" {
		c.ExporterProtocol = protocolHTTP
	}
	if c.TracesSampler == "" {
		c.TracesSampler = "always_on"
	}
	if c.MetricExportInterval <= 0 {
		c.MetricExportInterval = 60 * time.Second
	}

	if !c.Enabled {
		c.ensureResourceDefaults()
		return nil
	}

	if c.ExporterEndpoint == "" {
		return fmt.Errorf("observability: OTLP exporter endpoint is required when OpenTelemetry is enabled")
	}

	switch c.ExporterProtocol {
	case protocolHTTP:
		if !strings.HasPrefix(c.ExporterEndpoint, "http://") && !strings.HasPrefix(c.ExporterEndpoint, "https://") {
			return fmt.Errorf("observability: OTLP exporter endpoint must include an http or https scheme for %s", protocolHTTP)
		}
		parsed, err := url.Parse(c.ExporterEndpoint)
		if err != nil {
			return fmt.Errorf("observability: invalid OTLP exporter endpoint: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("observability: OTLP exporter endpoint must include a host")
		}
	case protocolGRPC:
		if _, _, err := parseGRPCEndpoint(c.ExporterEndpoint); err != nil {
			return fmt.Errorf("observability: invalid OTLP exporter endpoint for grpc protocol: %w", err)
		}
	default:
		return fmt.Errorf("observability: unsupported OTLP exporter protocol %q", c.ExporterProtocol)
	}

	if c.TracesSamplerArg < 0 {
		return fmt.Errorf("observability: traces sampler argument must be non-negative")
	}
	if strings.EqualFold(c.TracesSampler, "traceidratio") {
		if c.TracesSamplerArg <= 0 || c.TracesSamplerArg > 1 {
			return fmt.Errorf("observability: traces sampler argument must be between 0 and 1 for traceidratio")
		}
	}

	c.ensureResourceDefaults()
	return nil
}

func parseResourceAttributes(input string) (map[string]string, error) {
	attrs := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return attrs, nil
	}

	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid resource attribute %q", pair)
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return nil, fmt.Errorf("resource attribute key cannot be empty")
		}
		attrs[key] = strings.TrimSpace(kv[1])
	}
	return attrs, nil
}

func (c *Config) ensureResourceDefaults() {
	if c.ResourceAttributes == nil {
		c.ResourceAttributes = make(map[string]string)
	}
	if _, ok := c.ResourceAttributes[serviceNameAttrKey]; !ok && c.ServiceName != "" {
		c.ResourceAttributes[serviceNameAttrKey] = c.ServiceName
	}
}
