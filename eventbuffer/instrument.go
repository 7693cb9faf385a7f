package eventbuffer

import (
	"context"
	"time"

	"github.com/ca-srg/sockframe/telemetry"
)

// Instrument wraps an Adapter so every operation emits an
// [event_buffer, <op>] telemetry event with its duration and outcome.
func Instrument(adapter Adapter, bus *telemetry.Bus) Adapter {
	return &instrumented{adapter: adapter, bus: bus}
}

type instrumented struct {
	adapter Adapter
	bus     *telemetry.Bus
}

func (i *instrumented) Record(ctx context.Context, key string, payload []byte) (Result, error) {
	start := time.Now()
	res, err := i.adapter.Record(ctx, key, payload)
	meta := map[string]any{"result": res.String()}
	if err != nil {
		meta["result"] = "error"
	}
	i.emit(ctx, "record", start, meta)
	return res, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.adapter.Delete(ctx, key)
	i.emit(ctx, "delete", start, statusMeta(err))
	return err
}

func (i *instrumented) Seen(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	seen, err := i.adapter.Seen(ctx, key)
	meta := statusMeta(err)
	meta["seen"] = seen
	i.emit(ctx, "seen", start, meta)
	return seen, err
}

func (i *instrumented) Pending(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	entries, err := i.adapter.Pending(ctx)
	meta := statusMeta(err)
	meta["count"] = len(entries)
	i.emit(ctx, "pending", start, meta)
	return entries, err
}

func (i *instrumented) emit(ctx context.Context, op string, start time.Time, meta map[string]any) {
	i.bus.Emit(ctx, []string{"event_buffer", op},
		map[string]any{"duration": time.Since(start)}, meta)
}

func statusMeta(err error) map[string]any {
	if err != nil {
		return map[string]any{"result": "error"}
	}
	return map[string]any{"result": "ok"}
}
