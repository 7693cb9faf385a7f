package webapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
)

// AuthTest resolves the bot identity behind the configured bot token.
func (c *Client) AuthTest(ctx context.Context) (*slack.AuthTestResponse, error) {
	raw, err := c.Push(ctx, "auth.test", map[string]any{})
	if err != nil {
		return nil, err
	}
	var resp slack.AuthTestResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("auth.test: decode response: %w", err)
	}
	return &resp, nil
}

// ConnectionsOpen requests a fresh Socket Mode WebSocket URL.
func (c *Client) ConnectionsOpen(ctx context.Context) (string, error) {
	raw, err := c.Push(ctx, "apps.connections.open", map[string]any{})
	if err != nil {
		return "", err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("apps.connections.open: decode response: %w", err)
	}
	if resp.URL == "" {
		return "", &APIError{Method: "apps.connections.open", Reason: "missing url"}
	}
	return resp.URL, nil
}

// UserPage is one cursor-paginated slice of the workspace member list.
type UserPage struct {
	Users      []slack.User
	NextCursor string
}

// UsersList fetches one page of workspace members.
func (c *Client) UsersList(ctx context.Context, cursor string, limit int, includePresence bool) (*UserPage, error) {
	body := map[string]any{"limit": limit}
	if cursor != "" {
		body["cursor"] = cursor
	}
	if includePresence {
		body["include_presence"] = true
	}
	raw, err := c.Push(ctx, "users.list", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Members          []slack.User `json:"members"`
		ResponseMetadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("users.list: decode response: %w", err)
	}
	return &UserPage{Users: resp.Members, NextCursor: resp.ResponseMetadata.NextCursor}, nil
}

// ChannelPage is one cursor-paginated slice of the bot's conversations.
type ChannelPage struct {
	Channels   []slack.Channel
	NextCursor string
}

// UsersConversations fetches one page of the conversations the given user
// belongs to.
func (c *Client) UsersConversations(ctx context.Context, userID, cursor string, limit int) (*ChannelPage, error) {
	body := map[string]any{
		"user":  userID,
		"limit": limit,
		"types": "public_channel,private_channel",
	}
	if cursor != "" {
		body["cursor"] = cursor
	}
	raw, err := c.Push(ctx, "users.conversations", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Channels         []slack.Channel `json:"channels"`
		ResponseMetadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("users.conversations: decode response: %w", err)
	}
	return &ChannelPage{Channels: resp.Channels, NextCursor: resp.ResponseMetadata.NextCursor}, nil
}

// PostMessage posts text to a channel through the rate-limited pipeline.
func (c *Client) PostMessage(ctx context.Context, channel, text string) error {
	_, err := c.Push(ctx, "chat.postMessage", map[string]any{
		"channel": channel,
		"text":    text,
	})
	return err
}

// PostEphemeral posts an ephemeral message visible only to user.
func (c *Client) PostEphemeral(ctx context.Context, channel, user, text string) error {
	_, err := c.Push(ctx, "chat.postEphemeral", map[string]any{
		"channel": channel,
		"user":    user,
		"text":    text,
	})
	return err
}
