package eventbuffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ca-srg/sockframe/telemetry"
)

func TestInstrumentEmitsPerOperation(t *testing.T) {
	var mu sync.Mutex
	events := make(map[string][]telemetry.Event)

	bus := telemetry.NewBus("t", nil)
	bus.Attach("capture", func(_ context.Context, ev telemetry.Event) {
		mu.Lock()
		events[ev.FullName()] = append(events[ev.FullName()], ev)
		mu.Unlock()
	})

	buf := Instrument(NewMemory(time.Minute), bus)
	ctx := context.Background()

	res, err := buf.Record(ctx, "k1", []byte("p"))
	require.NoError(t, err)
	require.Equal(t, RecordOK, res)

	res, err = buf.Record(ctx, "k1", []byte("p2"))
	require.NoError(t, err)
	require.Equal(t, RecordDuplicate, res)

	seen, err := buf.Seen(ctx, "k1")
	require.NoError(t, err)
	require.True(t, seen)

	entries, err := buf.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, buf.Delete(ctx, "k1"))

	mu.Lock()
	defer mu.Unlock()

	records := events["t.event_buffer.record"]
	require.Len(t, records, 2)
	require.Equal(t, "ok", records[0].Metadata["result"])
	require.Equal(t, "duplicate", records[1].Metadata["result"])
	require.Contains(t, records[0].Measurements, "duration")

	require.Len(t, events["t.event_buffer.seen"], 1)
	require.Equal(t, true, events["t.event_buffer.seen"][0].Metadata["seen"])

	require.Len(t, events["t.event_buffer.pending"], 1)
	require.Equal(t, 1, events["t.event_buffer.pending"][0].Metadata["count"])

	require.Len(t, events["t.event_buffer.delete"], 1)
	require.Equal(t, "ok", events["t.event_buffer.delete"][0].Metadata["result"])
}
