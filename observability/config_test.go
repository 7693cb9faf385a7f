package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateDisabledAlwaysPasses(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultServiceName, cfg.ServiceName)
	require.Equal(t, protocolHTTP, cfg.ExporterProtocol)
	require.Equal(t, 60*time.Second, cfg.MetricExportInterval)
	require.Equal(t, defaultServiceName, cfg.ResourceAttributes[serviceNameAttrKey])
}

func TestValidateEnabledRequiresEndpoint(t *testing.T) {
	cfg := &Config{Enabled: true}
	require.Error(t, cfg.Validate())
}

func TestValidateHTTPEndpointNeedsScheme(t *testing.T) {
	cfg := &Config{Enabled: true, ExporterEndpoint: "collector:4318"}
	require.Error(t, cfg.Validate())

	cfg = &Config{Enabled: true, ExporterEndpoint: "https://collector:4318"}
	require.NoError(t, cfg.Validate())
}

func TestValidateGRPCEndpoint(t *testing.T) {
	cfg := &Config{Enabled: true, ExporterProtocol: "grpc", ExporterEndpoint: "collector:4317"}
	require.NoError(t, cfg.Validate())

	cfg = &Config{Enabled: true, ExporterProtocol: "grpc", ExporterEndpoint: "collector"}
	require.Error(t, cfg.Validate())
}

func TestValidateTraceIDRatioBounds(t *testing.T) {
	cfg := &Config{
		Enabled:          true,
		ExporterEndpoint: "https://collector:4318",
		TracesSampler:    "traceidratio",
		TracesSamplerArg: 1.5,
	}
	require.Error(t, cfg.Validate())

	cfg.TracesSamplerArg = 0.25
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SOCKFRAME_OTEL_ENABLED", "true")
	t.Setenv("OTEL_SERVICE_NAME", "mybot")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4318")
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "environment=test, team=platform")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, "mybot", cfg.ServiceName)
	require.Equal(t, "test", cfg.ResourceAttributes["environment"])
	require.Equal(t, "platform", cfg.ResourceAttributes["team"])
	require.Equal(t, "mybot", cfg.ResourceAttributes[serviceNameAttrKey])
}

func TestParseResourceAttributesRejectsMalformedPairs(t *testing.T) {
	_, err := parseResourceAttributes("novalue")
	require.Error(t, err)

	_, err = parseResourceAttributes("=v")
	require.Error(t, err)
}
