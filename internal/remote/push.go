package remote

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Push event types sent by the server.
const (
	EventDeltasAvailable = "deltas_available"
	EventPing            = "ping"
)

// PushEvent is one message of the push channel.
type PushEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	pushBaseDelay = time.Second
	pushMaxDelay  = 30 * time.Second
	// A connection that stayed up this long resets the reconnect backoff.
	pushStableAfter = time.Minute
)

// RunPush keeps the websocket event channel open until ctx ends, calling
// onEvent for every event and tracking ConnectionState. It reconnects with
// jittered exponential backoff.
func (c *Client) RunPush(ctx context.Context, onEvent func(PushEvent)) {
	defer c.conn.Set(model.Disconnected)

	attempt := 0
	for ctx.Err() == nil {
		if attempt == 0 {
			c.conn.Set(model.Connecting)
		} else {
			c.conn.Set(model.Reconnecting)
		}
		up, err := c.readEvents(ctx, onEvent)
		if ctx.Err() != nil {
			return
		}
		if up > pushStableAfter {
			attempt = 0
		}
		c.conn.Set(model.Reconnecting)
		delay := pushDelay(attempt)
		attempt++
		c.logger.Info("push channel lost", zap.Error(err), zap.Duration("retry_in", delay))
		if waitWithContext(ctx, delay) != nil {
			return
		}
	}
}

// readEvents holds one connection and returns how long it stayed connected.
// Dial time does not count.
func (c *Client) readEvents(ctx context.Context, onEvent func(PushEvent)) (time.Duration, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.pushURL(), opts)
	if err != nil {
		return 0, classifyTransport(err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	connectedAt := time.Now()
	c.conn.Set(model.Connected)
	c.logger.Info("push channel connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return time.Since(connectedAt), errors.New("closed by server")
			}
			return time.Since(connectedAt), err
		}
		var ev PushEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("malformed push event", zap.Error(err))
			continue
		}
		if ev.Type == EventPing {
			continue
		}
		onEvent(ev)
	}
}

func (c *Client) pushURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/events"
}

func pushDelay(attempt int) time.Duration {
	d := pushBaseDelay << min(attempt, 10)
	d += time.Duration(rand.Float64() * float64(pushBaseDelay) * 0.5)
	return min(d, pushMaxDelay)
}
