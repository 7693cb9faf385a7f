// Package ratelimit implements the two outbound limiters in front of the
// Slack Web API: a per-key serializer and a per-tier token bucket. Both
// react to 429 responses but neither retries; the typed rate-limit error
// travels back to the caller.
package ratelimit

import (
	"encoding/json"
	"fmt"
)

// Key identifies one serialization domain for Limiter-A. Chat-family
// methods serialize per channel; everything else shares the workspace key.
type Key struct {
	Family  string
	Channel string
}

func (k Key) String() string {
	if k.Channel == "" {
		return k.Family
	}
	return fmt.Sprintf("%s:%s", k.Family, k.Channel)
}

// WorkspaceKey is the shared key for methods without a channel scope.
var WorkspaceKey = Key{Family: "workspace"}

// chatFamily lists the methods Slack limits per channel rather than per
// workspace.
var chatFamily = map[string]struct{}{
	"chat.postMessage":     {},
	"chat.update":          {},
	"chat.delete":          {},
	"chat.scheduleMessage": {},
	"chat.postEphemeral":   {},
}

// KeyFor derives the Limiter-A key from a method and its JSON body. Chat
// methods without a parseable channel fall back to the workspace key.
func KeyFor(method string, body []byte) Key {
	if _, ok := chatFamily[method]; !ok {
		return WorkspaceKey
	}

	var fields struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(body, &fields); err != nil || fields.Channel == "" {
		return WorkspaceKey
	}
	return Key{Family: "chat", Channel: fields.Channel}
}
