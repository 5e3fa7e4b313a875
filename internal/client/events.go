package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/GriffinCanCode/AgentOS/channels/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

// eventsURL turns the API base URL into the /events WebSocket URL
func eventsURL(base string, kinds []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	if len(kinds) > 0 {
		u.RawQuery = url.Values{"kinds": {strings.Join(kinds, ",")}}.Encode()
	}
	return u.String(), nil
}

// Events streams diagnostic events into fn until ctx ends, the server goes
// away, or fn returns an error
func (c *Client) Events(ctx context.Context, kinds []string, fn func(tracing.Event) error) error {
	target, err := eventsURL(c.BaseURL(), kinds)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if msg.Type != "event" || msg.Event == nil {
			continue
		}
		if err := fn(*msg.Event); err != nil {
			return err
		}
	}
}
