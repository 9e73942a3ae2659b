// Package realtime fans access events and status updates out to websocket
// observers such as the guardhouse tablet.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	TypeAccessEvent   = "access_event"
	TypeCameraEvent   = "camera_event"
	TypeBarrierStatus = "barrier_status"
	TypeSystemStatus  = "system_status"
	TypeStats         = "stats"
)

// Message is the envelope of every frame in either direction.
type Message struct {
	Type          string            `json:"type"`
	Data          interface{}       `json:"data,omitempty"`
	Camera        string            `json:"camera,omitempty"`
	Filter        string            `json:"filter,omitempty"`
	Subscriptions map[string]string `json:"subscriptions,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Snapshot produces the data of a stats or system_status message.
type Snapshot func(ctx context.Context) (interface{}, error)

type Options struct {
	QueueSize     int
	ClientBuffer  int
	StatsInterval time.Duration
	Stats         Snapshot
	Status        Snapshot
	CheckOrigin   func(r *http.Request) bool
}

type outbound struct {
	payload []byte
	scoped  bool
	camera  string
	granted bool
}

type direct struct {
	client  *client
	payload []byte
}

type subscription struct {
	client *client
	camera string
	filter string
	remove bool
	list   bool
}

// Hub owns the client set. Only Run touches it; everything else talks to Run
// through channels.
type Hub struct {
	opts Options
	log  zerolog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	replies    chan direct
	subs       chan subscription
	done       chan struct{}

	upgrader websocket.Upgrader
	count    atomic.Int64
}

func NewHub(opts Options, log zerolog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts:       opts,
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client, 16),
		broadcast:  make(chan outbound, opts.QueueSize),
		replies:    make(chan direct, opts.QueueSize),
		subs:       make(chan subscription, opts.QueueSize),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Run dispatches until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]bool)
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
		h.count.Store(0)
	}()

	if h.opts.Stats != nil && h.opts.StatsInterval > 0 {
		go h.statsLoop(ctx)
	}

	drop := func(c *client, reason string) {
		if !clients[c] {
			return
		}
		delete(clients, c)
		close(c.send)
		h.count.Store(int64(len(clients)))
		h.log.Info().Str("client", c.addr).Str("reason", reason).Int("clients", len(clients)).Msg("websocket client removed")
	}
	deliver := func(c *client, payload []byte) {
		select {
		case c.send <- payload:
		default:
			drop(c, "send buffer full")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = true
			h.count.Store(int64(len(clients)))
			h.log.Info().Str("client", c.addr).Int("clients", len(clients)).Msg("websocket client connected")

		case c := <-h.unregister:
			drop(c, "disconnected")

		case msg := <-h.broadcast:
			for c := range clients {
				if msg.scoped && !shouldSend(c.subs, msg.camera, msg.granted) {
					continue
				}
				deliver(c, msg.payload)
			}

		case r := <-h.replies:
			if clients[r.client] {
				deliver(r.client, r.payload)
			}

		case s := <-h.subs:
			if !clients[s.client] {
				continue
			}
			reply := Message{Type: "subscribed", Camera: s.camera, Filter: s.filter}
			switch {
			case s.list:
				reply = Message{Type: "subscriptions", Subscriptions: copySubs(s.client.subs)}
			case s.remove:
				delete(s.client.subs, s.camera)
				reply = Message{Type: "unsubscribed", Camera: s.camera}
			default:
				s.client.subs[s.camera] = s.filter
			}
			if payload, err := json.Marshal(reply); err == nil {
				deliver(s.client, payload)
			}
		}
	}
}

func copySubs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BroadcastGlobal sends msg to every client. It never blocks; when the queue
// is full the message is dropped.
func (h *Hub) BroadcastGlobal(msg Message) {
	h.enqueue(msg, outbound{})
}

// BroadcastToCamera sends a camera_event subject to each client's filter for
// camera.
func (h *Hub) BroadcastToCamera(camera string, granted bool, msg Message) {
	h.enqueue(msg, outbound{scoped: true, camera: camera, granted: granted})
}

func (h *Hub) enqueue(msg Message, out outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("failed to encode broadcast")
		return
	}
	out.payload = payload
	select {
	case h.broadcast <- out:
	default:
		h.log.Warn().Str("type", msg.Type).Msg("broadcast queue full, dropping message")
	}
}

func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(h.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			data, err := h.opts.Stats(ctx)
			if err != nil {
				h.log.Error().Err(err).Msg("stats broadcast failed")
				continue
			}
			h.BroadcastGlobal(Message{Type: TypeStats, Data: data})
		}
	}
}

// ServeWS upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.ClientBuffer),
		subs: make(map[string]string),
		addr: r.RemoteAddr,
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.sendSnapshot(r.Context(), TypeSystemStatus, h.opts.Status)
	c.readPump()
}

func (h *Hub) reply(c *client, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.replies <- direct{client: c, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn().Str("client", c.addr).Msg("reply queue full, dropping message")
	}
}
