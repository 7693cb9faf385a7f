package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/ratelimit"
	"github.com/ca-srg/sockframe/telemetry"
)

type fakeDoer struct {
	mu    sync.Mutex
	calls []fakeCall
	next  func(method string, body []byte) (*Response, error)
}

type fakeCall struct {
	Token  string
	Method string
	Body   []byte
	At     time.Time
}

func (d *fakeDoer) Do(_ context.Context, token, method string, body []byte) (*Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, fakeCall{Token: token, Method: method, Body: body, At: time.Now()})
	d.mu.Unlock()
	return d.next(method, body)
}

func (d *fakeDoer) callTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.At
	}
	return out
}

func okResponse(body string) *Response {
	return &Response{StatusCode: http.StatusOK, Body: []byte(body)}
}

func newTestClient(t *testing.T, doer Doer) (*Client, *telemetry.Bus) {
	t.Helper()
	store, err := config.NewStore(&config.Config{
		AppToken: "xapp-test",
		BotToken: "xoxb-test",
	})
	require.NoError(t, err)

	bus := telemetry.NewBus("t", nil)
	keys := ratelimit.NewKeyLimiter(bus)
	tiers := ratelimit.NewTierLimiter(bus)
	client := New(store, keys, tiers, bus, WithDoer(doer))
	t.Cleanup(client.Close)
	return client, bus
}

func TestPushSuccess(t *testing.T) {
	doer := &fakeDoer{next: func(string, []byte) (*Response, error) {
		return okResponse(`{"ok":true,"ts":"1"}`), nil
	}}
	client, _ := newTestClient(t, doer)

	raw, err := client.Push(context.Background(), "chat.postMessage",
		map[string]any{"channel": "C1", "text": "hi"})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, "1", resp["ts"])
	require.Equal(t, "xoxb-test", doer.calls[0].Token)
}

func TestPushUsesAppTokenForConnectionsOpen(t *testing.T) {
	doer := &fakeDoer{next: func(string, []byte) (*Response, error) {
		return okResponse(`{"ok":true,"url":"wss://example/ws"}`), nil
	}}
	client, _ := newTestClient(t, doer)

	url, err := client.ConnectionsOpen(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wss://example/ws", url)
	require.Equal(t, "xapp-test", doer.calls[0].Token)
}

func TestPushSlackError(t *testing.T) {
	doer := &fakeDoer{next: func(string, []byte) (*Response, error) {
		return okResponse(`{"ok":false,"error":"channel_not_found"}`), nil
	}}
	client, _ := newTestClient(t, doer)

	_, err := client.Push(context.Background(), "chat.postMessage",
		map[string]any{"channel": "C404", "text": "hi"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "channel_not_found", apiErr.Reason)
}

func TestPushRateLimitBlocksChannelKey(t *testing.T) {
	var rateLimited sync.Once
	doer := &fakeDoer{}
	doer.next = func(method string, body []byte) (*Response, error) {
		limited := false
		rateLimited.Do(func() { limited = true })
		if limited {
			return &Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     http.Header{"Retry-After": []string{"1"}},
				Body:       []byte(`{"ok":false,"error":"ratelimited"}`),
			}, nil
		}
		return okResponse(`{"ok":true}`), nil
	}
	client, bus := newTestClient(t, doer)

	var mu sync.Mutex
	var limitedMeta map[string]any
	bus.Attach("capture", func(_ context.Context, ev telemetry.Event) {
		if ev.FullName() == "t.api.rate_limited" {
			mu.Lock()
			limitedMeta = ev.Metadata
			mu.Unlock()
		}
	})

	ctx := context.Background()
	body := map[string]any{"channel": "C1", "text": "hi"}

	_, err := client.Push(ctx, "chat.postMessage", body)
	var rlErr *RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	require.Equal(t, time.Second, rlErr.RetryAfter)

	// A call to a different channel proceeds immediately: the 429 blocked
	// only the (chat, C1) key.
	_, err = client.Push(ctx, "chat.postMessage", map[string]any{"channel": "C2", "text": "hi"})
	require.NoError(t, err)

	// The next call on C1 waits out Retry-After.
	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := client.Push(ctx, "chat.postMessage", map[string]any{"channel": "C1", "text": "hi"})
		require.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("call on the limited channel must wait out Retry-After")
	case <-time.After(300 * time.Millisecond):
	}
	<-done
	require.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "chat.postMessage", limitedMeta["method"])
	require.Equal(t, "chat:C1", limitedMeta["key"])
}

func TestPushTimeout(t *testing.T) {
	doer := &fakeDoer{next: func(string, []byte) (*Response, error) {
		return nil, context.DeadlineExceeded
	}}
	client, _ := newTestClient(t, doer)

	_, err := client.Push(context.Background(), "users.info", map[string]any{"user": "U1"})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPushEmitsRequestTelemetry(t *testing.T) {
	doer := &fakeDoer{next: func(string, []byte) (*Response, error) {
		return okResponse(`{"ok":true}`), nil
	}}
	client, bus := newTestClient(t, doer)

	var mu sync.Mutex
	var statuses []string
	bus.Attach("capture", func(_ context.Context, ev telemetry.Event) {
		if ev.FullName() == "t.api.request" {
			mu.Lock()
			statuses = append(statuses, ev.Metadata["status"].(string))
			mu.Unlock()
		}
	})

	_, err := client.Push(context.Background(), "auth.test", map[string]any{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ok"}, statuses)
}

func TestUsersListPagination(t *testing.T) {
	doer := &fakeDoer{next: func(_ string, body []byte) (*Response, error) {
		var req struct {
			Cursor string `json:"cursor"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		if req.Cursor == "" {
			return okResponse(`{"ok":true,"members":[{"id":"U1"}],"response_metadata":{"next_cursor":"c2"}}`), nil
		}
		return okResponse(`{"ok":true,"members":[{"id":"U2"}],"response_metadata":{"next_cursor":""}}`), nil
	}}
	client, _ := newTestClient(t, doer)

	ctx := context.Background()
	page, err := client.UsersList(ctx, "", 200, false)
	require.NoError(t, err)
	require.Len(t, page.Users, 1)
	require.Equal(t, "U1", page.Users[0].ID)
	require.Equal(t, "c2", page.NextCursor)

	page, err = client.UsersList(ctx, page.NextCursor, 200, false)
	require.NoError(t, err)
	require.Equal(t, "U2", page.Users[0].ID)
	require.Empty(t, page.NextCursor)
}

func TestPushAsyncRunsOnPool(t *testing.T) {
	done := make(chan struct{})
	doer := &fakeDoer{next: func(string, []byte) (*Response, error) {
		close(done)
		return okResponse(`{"ok":true}`), nil
	}}
	client, _ := newTestClient(t, doer)

	require.NoError(t, client.PushAsync(context.Background(), "auth.test", map[string]any{}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async call never executed")
	}
}
