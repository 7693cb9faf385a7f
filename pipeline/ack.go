package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ca-srg/sockframe/config"
)

// defaultAckText is the body sent for slash commands under the ephemeral
// ack mode, so the invoking user sees immediate feedback while handlers run.
const defaultAckText = "Processing..."

// AckPayload computes the body of the synchronous socket ack for env, per
// the configured ack mode. Only slash commands carry an ack body; every
// other envelope type acks empty. The result must be produced quickly: the
// connection manager calls this on the socket read loop.
func (d *Dispatcher) AckPayload(env *Envelope) json.RawMessage {
	if env.Type != EnvelopeSlashCommands {
		return nil
	}

	switch d.store.Snapshot().AckMode {
	case config.AckEphemeral:
		body, _ := json.Marshal(map[string]string{"text": defaultAckText})
		return body
	case config.AckCustom:
		if d.customAck != nil {
			return d.customAck(env.Payload)
		}
		return nil
	default:
		return nil
	}
}

// ackOverHTTP delivers the ack body through the command's response_url when
// the envelope cannot carry a response payload. It runs on the dispatch
// worker, never on the socket loop.
func (d *Dispatcher) ackOverHTTP(ctx context.Context, env *Envelope) {
	body := d.AckPayload(env)
	if body == nil {
		return
	}

	var payload struct {
		ResponseURL string `json:"response_url"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.ResponseURL == "" {
		return
	}

	status := "ok"
	if err := d.postAck(ctx, payload.ResponseURL, body); err != nil {
		status = "error"
		d.logger.Printf("ack post failed envelope=%s err=%v", env.EnvelopeID, err)
	}
	d.bus.Emit(ctx, []string{"ack", "http"}, nil, map[string]any{
		"envelope_id": env.EnvelopeID,
		"status":      status,
	})
}

func (d *Dispatcher) defaultPostAck(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	client := &http.Client{Timeout: d.store.Snapshot().RequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ack post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
