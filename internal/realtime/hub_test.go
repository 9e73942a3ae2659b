package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSend(t *testing.T) {
	tests := []struct {
		name    string
		subs    map[string]string
		camera  string
		granted bool
		want    bool
	}{
		{"no subscription", nil, "CAM01", false, true},
		{"all", map[string]string{"CAM01": FilterAll}, "CAM01", false, true},
		{"none", map[string]string{"CAM01": FilterNone}, "CAM01", true, false},
		{"registered granted", map[string]string{"CAM01": FilterRegistered}, "CAM01", true, true},
		{"registered denied", map[string]string{"CAM01": FilterRegistered}, "CAM01", false, false},
		{"unregistered denied", map[string]string{"CAM01": FilterUnregistered}, "CAM01", false, true},
		{"unknown filter", map[string]string{"CAM01": "bogus"}, "CAM01", false, true},
		{"falls back to default", map[string]string{"*": FilterNone}, "CAM02", true, false},
		{"camera overrides default", map[string]string{"*": FilterNone, "CAM01": FilterAll}, "CAM01", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldSend(tt.subs, tt.camera, tt.granted))
		})
	}
}

type harness struct {
	hub    *Hub
	url    string
	cancel context.CancelFunc
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Status == nil {
		opts.Status = func(context.Context) (interface{}, error) {
			return map[string]interface{}{"relay_backend": "sim"}, nil
		}
	}
	hub := NewHub(opts, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &harness{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http"), cancel: cancel}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	first := read(t, conn)
	require.Equal(t, TypeSystemStatus, first.Type)
	require.Eventually(t, func() bool { return h.hub.ClientCount() >= 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestHub_PingAndStats(t *testing.T) {
	h := newHarness(t, Options{
		Stats: func(context.Context) (interface{}, error) {
			return map[string]int{"total": 3}, nil
		},
	})
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn).Type)

	send(t, conn, map[string]string{"type": "get_stats"})
	msg := read(t, conn)
	assert.Equal(t, TypeStats, msg.Type)
	assert.Equal(t, map[string]interface{}{"total": float64(3)}, msg.Data)
}

func TestHub_CameraFilter(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "subscribe", "camera": "CAM01", "filter": FilterRegistered})
	msg := read(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "CAM01", msg.Camera)

	h.hub.BroadcastToCamera("CAM01", false, Message{Type: TypeCameraEvent, Data: "denied"})
	h.hub.BroadcastToCamera("CAM01", true, Message{Type: TypeCameraEvent, Data: "granted"})

	msg = read(t, conn)
	assert.Equal(t, TypeCameraEvent, msg.Type)
	assert.Equal(t, "granted", msg.Data)

	send(t, conn, map[string]string{"type": "get_subscriptions"})
	msg = read(t, conn)
	assert.Equal(t, map[string]string{"CAM01": FilterRegistered}, msg.Subscriptions)

	send(t, conn, map[string]string{"type": "unsubscribe", "camera": "CAM01"})
	assert.Equal(t, "unsubscribed", read(t, conn).Type)

	h.hub.BroadcastToCamera("CAM01", false, Message{Type: TypeCameraEvent, Data: "denied"})
	assert.Equal(t, "denied", read(t, conn).Data)
}

func TestHub_NoneFilterKeepsAccessFeed(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "subscribe", "camera": "CAM01", "filter": FilterNone})
	assert.Equal(t, "subscribed", read(t, conn).Type)

	h.hub.BroadcastToCamera("CAM01", true, Message{Type: TypeCameraEvent, Data: "granted"})
	h.hub.BroadcastGlobal(Message{Type: TypeAccessEvent, Data: "granted"})

	msg := read(t, conn)
	assert.Equal(t, TypeAccessEvent, msg.Type)
	assert.Equal(t, "granted", msg.Data)
}

func TestHub_InvalidFilter(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "subscribe_all", "filter": "sometimes"})
	msg := read(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "invalid filter")
}

func TestHub_GlobalBroadcastReachesEveryClient(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t)
	b := h.dial(t)
	require.Eventually(t, func() bool { return h.hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	send(t, a, map[string]string{"type": "subscribe_all", "filter": FilterNone})
	assert.Equal(t, "subscribed", read(t, a).Type)

	h.hub.BroadcastGlobal(Message{Type: TypeBarrierStatus, Data: map[string]interface{}{"relays": []int{}}})
	assert.Equal(t, TypeBarrierStatus, read(t, a).Type)
	assert.Equal(t, TypeBarrierStatus, read(t, b).Type)
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.dial(t)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PeriodicStats(t *testing.T) {
	h := newHarness(t, Options{
		StatsInterval: 20 * time.Millisecond,
		Stats: func(context.Context) (interface{}, error) {
			return map[string]int{"total": 1}, nil
		},
	})
	conn := h.dial(t)
	assert.Equal(t, TypeStats, read(t, conn).Type)
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(Options{QueueSize: 1}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.BroadcastGlobal(Message{Type: TypeStats})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked without a running hub")
	}
}
