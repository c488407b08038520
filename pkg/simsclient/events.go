package simsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/sims/sims/internal/platform/websocket"
)

type Event = websocket.Event

// Watch streams live events for the given topics until ctx is done or the
// connection drops. Every inventory event also drops the medication cache,
// so the next listing reflects the new stock.
func (c *Client) Watch(ctx context.Context, topics []string, fn func(Event)) error {
	u, err := url.Parse(c.base + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(topics) > 0 {
		u.RawQuery = url.Values{"topics": {strings.Join(topics, ",")}}.Encode()
	}

	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("sims api token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	if c.school != "" {
		header.Set("X-School-ID", c.school)
	}

	ws, resp, err := gorillawebsocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "event stream refused"}
		}
		return err
	}
	defer ws.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ev.Topic == websocket.TopicInventory {
			c.InvalidateMedications()
		}
		if fn != nil {
			fn(ev)
		}
	}
}
