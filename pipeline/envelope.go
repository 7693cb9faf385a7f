// Package pipeline fans inbound envelopes out to user handlers through a
// middleware chain, with dedupe, diagnostics recording, and per-envelope
// workers.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// EnvelopeType is the Socket Mode frame type.
type EnvelopeType string

const (
	EnvelopeHello         EnvelopeType = "hello"
	EnvelopeDisconnect    EnvelopeType = "disconnect"
	EnvelopeEventsAPI     EnvelopeType = "events_api"
	EnvelopeSlashCommands EnvelopeType = "slash_commands"
	EnvelopeInteractive   EnvelopeType = "interactive"
)

// Envelope is one inbound Socket Mode frame. System frames (hello,
// disconnect) carry no envelope ID.
type Envelope struct {
	EnvelopeID             string          `json:"envelope_id,omitempty"`
	Type                   EnvelopeType    `json:"type"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	AcceptsResponsePayload bool            `json:"accepts_response_payload,omitempty"`
	RetryAttempt           int             `json:"retry_attempt,omitempty"`
	RetryReason            string          `json:"retry_reason,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
}

// DedupeKey returns the envelope ID, or a deterministic hash of the frame
// for envelopes without one.
func (e *Envelope) DedupeKey() string {
	if e.EnvelopeID != "" {
		return e.EnvelopeID
	}
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
