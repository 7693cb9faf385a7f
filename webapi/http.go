package webapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackAPIBase = "https://slack.com/api/"

// httpDoer is the default Doer: JSON over HTTPS with a shared connection
// pool reused across every Web API call from one instance.
type httpDoer struct {
	client *http.Client
}

func newHTTPDoer(poolSize int) *httpDoer {
	if poolSize < 1 {
		poolSize = 4
	}
	transport := &http.Transport{
		MaxIdleConns:        poolSize * 2,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	return &httpDoer{
		client: &http.Client{Transport: transport},
	}
}

func (d *httpDoer) Do(ctx context.Context, token, method string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackAPIBase+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}, nil
}
