package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	otelOnce         sync.Once
	apiRequestCount  metric.Int64Counter
	apiRateLimited   metric.Int64Counter
	apiDurationHist  metric.Float64Histogram
	connectionStates metric.Int64Counter
	dispatchCount    metric.Int64Counter
	limiterDecisions metric.Int64Counter
)

func initOTelInstruments() {
	otelOnce.Do(func() {
		meter := otel.Meter("sockframe/telemetry")

		var err error
		apiRequestCount, err = meter.Int64Counter(
			"sockframe.api.requests.total",
			metric.WithDescription("Total Slack Web API requests issued"),
		)
		if err != nil {
			log.Printf("telemetry: failed to create api request counter: %v", err)
		}

		apiRateLimited, err = meter.Int64Counter(
			"sockframe.api.rate_limited.total",
			metric.WithDescription("Total Slack Web API 429 responses observed"),
		)
		if err != nil {
			log.Printf("telemetry: failed to create rate limited counter: %v", err)
		}

		apiDurationHist, err = meter.Float64Histogram(
			"sockframe.api.request_duration",
			metric.WithDescription("Slack Web API request duration (ms)"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			log.Printf("telemetry: failed to create api duration histogram: %v", err)
		}

		connectionStates, err = meter.Int64Counter(
			"sockframe.connection.state_changes.total",
			metric.WithDescription("Socket Mode connection state transitions"),
		)
		if err != nil {
			log.Printf("telemetry: failed to create connection state counter: %v", err)
		}

		dispatchCount, err = meter.Int64Counter(
			"sockframe.handler.dispatches.total",
			metric.WithDescription("Envelope dispatches by terminal status"),
		)
		if err != nil {
			log.Printf("telemetry: failed to create dispatch counter: %v", err)
		}

		limiterDecisions, err = meter.Int64Counter(
			"sockframe.rate_limiter.decisions.total",
			metric.WithDescription("Rate limiter admission decisions"),
		)
		if err != nil {
			log.Printf("telemetry: failed to create limiter decision counter: %v", err)
		}
	})
}

// BridgeOTel attaches a bus handler that mirrors the framework's telemetry
// events into OpenTelemetry instruments. The global meter provider must be
// configured first (see the observability package).
func BridgeOTel(bus *Bus) {
	initOTelInstruments()
	bus.Attach("otel-bridge", otelHandler)
}

func otelHandler(ctx context.Context, ev Event) {
	if len(ev.Name) < 3 {
		return
	}
	// Name[0] is the configured prefix.
	component := ev.Name[1]
	event := ev.Name[len(ev.Name)-1]

	switch component {
	case "api":
		attrs := attrsFromMetadata(ev.Metadata, "method", "status")
		switch event {
		case "request":
			if apiRequestCount != nil {
				apiRequestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
			if apiDurationHist != nil {
				if d, ok := durationMeasurement(ev.Measurements); ok {
					apiDurationHist.Record(ctx, d, metric.WithAttributes(attrs...))
				}
			}
		case "rate_limited":
			if apiRateLimited != nil {
				apiRateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
	case "connection":
		if connectionStates != nil {
			connectionStates.Add(ctx, 1, metric.WithAttributes(
				attrsFromMetadata(ev.Metadata, "state")...))
		}
	case "handler":
		if event == "stop" || event == "exception" {
			if dispatchCount != nil {
				dispatchCount.Add(ctx, 1, metric.WithAttributes(
					attrsFromMetadata(ev.Metadata, "status", "type")...))
			}
		}
	case "rate_limiter", "tier_limiter":
		if limiterDecisions != nil {
			attrs := attrsFromMetadata(ev.Metadata, "decision", "tier", "method")
			attrs = append(attrs, attribute.String("limiter", component))
			limiterDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
}

func attrsFromMetadata(meta map[string]any, keys ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			if s, ok := v.(string); ok {
				attrs = append(attrs, attribute.String(k, s))
			}
		}
	}
	return attrs
}

func durationMeasurement(m map[string]any) (float64, bool) {
	v, ok := m["duration"]
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case time.Duration:
		return float64(d.Milliseconds()), true
	case float64:
		return d, true
	case int64:
		return float64(d), true
	}
	return 0, false
}
