package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	addr string

	// subs is owned by the hub's Run loop.
	subs map[string]string
}

type inbound struct {
	Type   string `json:"type"`
	Camera string `json:"camera"`
	Filter string `json:"filter"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("client", c.addr).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg inbound) {
	h := c.hub
	switch msg.Type {
	case "ping":
		h.reply(c, Message{Type: "pong"})
	case "get_stats":
		c.sendSnapshot(context.Background(), TypeStats, h.opts.Stats)
	case "get_status":
		c.sendSnapshot(context.Background(), TypeSystemStatus, h.opts.Status)
	case "subscribe":
		if msg.Camera == "" {
			h.reply(c, Message{Type: "error", Error: "camera is required"})
			return
		}
		filter := msg.Filter
		if filter == "" {
			filter = FilterAll
		}
		if !validFilter(filter) {
			h.reply(c, Message{Type: "error", Error: ErrInvalidFilter.Error() + ": " + filter})
			return
		}
		c.subscribe(subscription{client: c, camera: msg.Camera, filter: filter})
	case "subscribe_all":
		filter := msg.Filter
		if filter == "" {
			filter = FilterAll
		}
		if !validFilter(filter) {
			h.reply(c, Message{Type: "error", Error: ErrInvalidFilter.Error() + ": " + filter})
			return
		}
		c.subscribe(subscription{client: c, camera: allCameras, filter: filter})
	case "unsubscribe":
		c.subscribe(subscription{client: c, camera: msg.Camera, remove: true})
	case "get_subscriptions":
		c.subscribe(subscription{client: c, list: true})
	default:
		h.log.Debug().Str("type", msg.Type).Str("client", c.addr).Msg("ignoring unknown websocket message")
	}
}

func (c *client) subscribe(s subscription) {
	select {
	case c.hub.subs <- s:
	case <-c.hub.done:
	}
}

func (c *client) sendSnapshot(ctx context.Context, typ string, fn Snapshot) {
	if fn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	data, err := fn(ctx)
	if err != nil {
		c.hub.reply(c, Message{Type: "error", Error: err.Error()})
		return
	}
	c.hub.reply(c, Message{Type: typ, Data: data})
}

// writePump is the only writer of conn. It exits when the hub closes send
// or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Debug().Err(err).Str("client", c.addr).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
