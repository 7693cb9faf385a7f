// Package webapi wraps the Slack Web API behind the framework's two-level
// rate limiter, with retry-aware error reporting and telemetry on every
// request.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ca-srg/sockframe/config"
	"github.com/ca-srg/sockframe/ratelimit"
	"github.com/ca-srg/sockframe/telemetry"
)

// Response is the raw outcome of one HTTP exchange. Interpretation of the
// status code and body belongs to the Client, not the Doer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer is the concrete HTTP client contract. Implementations post the JSON
// body to https://slack.com/api/<method> with the given bearer token.
type Doer interface {
	Do(ctx context.Context, token, method string, body []byte) (*Response, error)
}

// Client issues Web API calls through Limiter-A (per-key serialization) and
// Limiter-B (tier token bucket), in that order.
type Client struct {
	store  *config.Store
	doer   Doer
	keys   *ratelimit.KeyLimiter
	tiers  *ratelimit.TierLimiter
	bus    *telemetry.Bus
	logger *log.Logger

	poolOnce sync.Once
	tasks    chan func()
	poolCtx  context.Context
	poolStop context.CancelFunc
	poolWG   sync.WaitGroup
}

// Option adjusts a Client at construction time.
type Option func(*Client)

// WithDoer replaces the default HTTP doer.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client reading configuration through store.
func New(store *config.Store, keys *ratelimit.KeyLimiter, tiers *ratelimit.TierLimiter, bus *telemetry.Bus, opts ...Option) *Client {
	c := &Client{
		store:  store,
		keys:   keys,
		tiers:  tiers,
		bus:    bus,
		logger: log.New(os.Stdout, "webapi ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.doer == nil {
		cfg := store.Snapshot()
		c.doer = newHTTPDoer(cfg.APIPool.Workers)
	}
	return c
}

// Push issues one Web API call. The JSON body may be any marshalable value.
// The returned bytes are the raw response body on success.
func (c *Client) Push(ctx context.Context, method string, body any) (json.RawMessage, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("web api %s: encode body: %w", method, err)
	}
	return c.push(ctx, method, bodyBytes)
}

func (c *Client) push(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	key := ratelimit.KeyFor(method, body)

	if err := c.keys.Acquire(ctx, key); err != nil {
		return nil, err
	}
	defer c.keys.Release(key)

	if err := c.tiers.Wait(ctx, method); err != nil {
		return nil, err
	}

	cfg := c.store.Snapshot()
	callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.doer.Do(callCtx, c.tokenFor(cfg, method), method, body)
	duration := time.Since(start)

	if err != nil {
		c.emitRequest(ctx, method, "exception", duration)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return nil, fmt.Errorf("web api %s: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header)
		until := time.Now().Add(retryAfter)
		c.keys.Block(key, until)
		if key == ratelimit.WorkspaceKey {
			// Channel-scoped 429s penalize only their key; traffic to
			// other channels keeps flowing.
			c.tiers.Suspend(method, until)
		}
		c.emitRequest(ctx, method, "error", duration)
		c.bus.Emit(ctx, []string{"api", "rate_limited"},
			map[string]any{"retry_after": retryAfter},
			map[string]any{"method": method, "key": key.String()})
		return nil, &RateLimitedError{Method: method, RetryAfter: retryAfter}
	}

	if resp.StatusCode >= 500 {
		c.emitRequest(ctx, method, "exception", duration)
		return nil, &HTTPError{Method: method, StatusCode: resp.StatusCode}
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		c.emitRequest(ctx, method, "exception", duration)
		return nil, fmt.Errorf("web api %s: decode response: %w", method, err)
	}
	if !envelope.OK {
		c.emitRequest(ctx, method, "error", duration)
		return nil, &APIError{Method: method, Reason: envelope.Error}
	}

	c.emitRequest(ctx, method, "ok", duration)
	return resp.Body, nil
}

// PushAsync schedules the call on the client's worker pool. Failures are
// logged and dropped. The call is rejected only when the pool queue is full.
func (c *Client) PushAsync(ctx context.Context, method string, body any) error {
	c.startPool()

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("web api %s: encode body: %w", method, err)
	}

	task := func() {
		if _, err := c.push(c.poolCtx, method, bodyBytes); err != nil {
			c.logger.Printf("async call failed method=%s err=%v", method, err)
		}
	}

	select {
	case c.tasks <- task:
		return nil
	default:
		return fmt.Errorf("web api %s: async queue full", method)
	}
}

// Close stops the async worker pool and waits for in-flight tasks.
func (c *Client) Close() {
	c.startPool()
	c.poolStop()
	c.poolWG.Wait()
}

func (c *Client) startPool() {
	c.poolOnce.Do(func() {
		cfg := c.store.Snapshot()
		c.tasks = make(chan func(), cfg.APIPool.QueueSize)
		c.poolCtx, c.poolStop = context.WithCancel(context.Background())
		for i := 0; i < cfg.APIPool.Workers; i++ {
			c.poolWG.Add(1)
			go c.worker()
		}
	})
}

func (c *Client) worker() {
	defer c.poolWG.Done()
	for {
		select {
		case <-c.poolCtx.Done():
			return
		case task := <-c.tasks:
			c.runTask(task)
		}
	}
}

func (c *Client) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("async worker panic: %v", r)
		}
	}()
	task()
}

func (c *Client) tokenFor(cfg *config.Config, method string) string {
	// apps.connections.open authenticates with the app-level token.
	if method == "apps.connections.open" {
		return cfg.AppToken
	}
	return cfg.BotToken
}

func (c *Client) emitRequest(ctx context.Context, method, status string, duration time.Duration) {
	c.bus.Emit(ctx, []string{"api", "request"},
		map[string]any{"duration": duration},
		map[string]any{"method": method, "status": status})
}

func parseRetryAfter(header http.Header) time.Duration {
	if header != nil {
		if raw := header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return time.Second
}
