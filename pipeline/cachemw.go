package pipeline

import (
	"context"
	"encoding/json"

	"github.com/slack-go/slack"

	"github.com/ca-srg/sockframe/cache"
)

// CacheRefresh returns a middleware that feeds membership and profile
// events into the cache mutation queue, keeping the snapshot fresh between
// background sync sweeps. Writes go through the async queue so a saturated
// provider never stalls event handling.
func CacheRefresh(queue *cache.Queue) Middleware {
	return func(_ context.Context, env *Envelope, _ *State) error {
		if env.Type != EnvelopeEventsAPI {
			return nil
		}

		var callback struct {
			Event struct {
				Type    string          `json:"type"`
				Channel json.RawMessage `json:"channel"`
				User    json.RawMessage `json:"user"`
			} `json:"event"`
		}
		if err := json.Unmarshal(env.Payload, &callback); err != nil {
			// Not a callback payload; nothing to refresh.
			return nil
		}

		switch callback.Event.Type {
		case "member_joined_channel":
			if id := stringField(callback.Event.Channel); id != "" {
				queue.ApplyAsync(cache.Mutation{Kind: cache.JoinChannel, ChannelID: id})
			}
		case "member_left_channel":
			if id := stringField(callback.Event.Channel); id != "" {
				queue.ApplyAsync(cache.Mutation{Kind: cache.LeaveChannel, ChannelID: id})
			}
		case "user_change", "team_join":
			var user slack.User
			if err := json.Unmarshal(callback.Event.User, &user); err == nil && user.ID != "" {
				queue.ApplyAsync(cache.Mutation{Kind: cache.PutUser, User: user})
			}
		}
		return nil
	}
}

// stringField decodes a JSON field that is either a bare string or an
// object with an "id" member.
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
