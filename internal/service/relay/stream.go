package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
	"e2e_groupchat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream subscribes to the relay's websocket endpoint and calls fn with every
// batch the relay pushes, until ctx is done, fn fails or the connection drops.
// q.After is the starting watermark; q.Wait is ignored.
func (c *Client) Stream(ctx context.Context, q messaging.Query, fn func([]*envelope.Envelope) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q.Wait = false
	target := (&Client{base: &u}).endpoint(PathStream, EncodeQuery(q))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("relay: dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var batch []*envelope.Envelope
		if err := json.Unmarshal(data, &batch); err != nil {
			log.Warn("dropping malformed stream frame", zap.Error(err))
			continue
		}
		if err := fn(batch); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}
