package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-controller/internal/config"
)

func newSimController(t *testing.T) (*Controller, *SimDriver) {
	t.Helper()
	drv := NewSimDriver()
	backend, err := NewGPIOBackend(drv, config.DefaultRelayPins)
	require.NoError(t, err)
	c, err := NewController(backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(time.Second) })
	return c, drv
}

func TestController_StartsWithEveryLineOff(t *testing.T) {
	_, drv := newSimController(t)
	for ch, pin := range config.DefaultRelayPins {
		level, claimed := drv.Level(pin)
		require.True(t, claimed, "channel %d", ch)
		assert.Equal(t, levelOff, level, "channel %d", ch)
	}
}

func TestController_SetChannelIsActiveLow(t *testing.T) {
	c, drv := newSimController(t)
	pin := config.DefaultRelayPins[3]

	require.True(t, c.SetChannel(3, true))
	level, _ := drv.Level(pin)
	assert.Equal(t, 0, level)
	assert.True(t, c.State(3))

	require.True(t, c.SetChannel(3, false))
	level, _ = drv.Level(pin)
	assert.Equal(t, 1, level)
	assert.False(t, c.State(3))
}

func TestController_InvalidChannelHasNoSideEffect(t *testing.T) {
	c, drv := newSimController(t)
	before := len(drv.History())

	assert.False(t, c.SetChannel(0, true))
	assert.False(t, c.SetChannel(9, true))
	assert.False(t, c.Pulse(12, 10*time.Millisecond))
	assert.False(t, c.PulseMany([]int{1, 9}, 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, drv.History(), before)
	for _, st := range c.States() {
		assert.False(t, st.On)
	}
}

func TestController_PulseManyReturnsImmediatelyAndEndsOff(t *testing.T) {
	c, drv := newSimController(t)

	start := time.Now()
	require.True(t, c.PulseMany([]int{3, 1}, 50*time.Millisecond))
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	require.Eventually(t, func() bool { return c.State(1) && c.State(3) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !c.State(1) && !c.State(3) }, time.Second, 5*time.Millisecond)

	for _, ch := range []int{1, 3} {
		level, _ := drv.Level(config.DefaultRelayPins[ch])
		assert.Equal(t, levelOff, level)
	}
}

func TestController_PulseManyRunsOffPassAfterFailedOn(t *testing.T) {
	c, drv := newSimController(t)
	pins := config.DefaultRelayPins
	drv.FailWrites(pins[2], true)

	require.True(t, c.PulseMany([]int{1, 2}, 200*time.Millisecond))
	require.Eventually(t, func() bool { return c.State(1) }, time.Second, 5*time.Millisecond)
	drv.FailWrites(pins[2], false)
	require.Eventually(t, func() bool { return !c.State(1) }, time.Second, 5*time.Millisecond)

	hist := drv.History()
	assert.Contains(t, hist, "set 6=1")
	assert.False(t, c.State(2))
}

func TestController_ListenerSeesChanges(t *testing.T) {
	c, _ := newSimController(t)

	var mu sync.Mutex
	var seen []bool
	c.SetListener(func(states map[int]ChannelState) {
		mu.Lock()
		seen = append(seen, states[5].On)
		mu.Unlock()
	})

	require.True(t, c.SetChannel(5, true))
	require.True(t, c.SetChannel(5, false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen)
}

func TestController_CloseCutsPulseShortAndReleases(t *testing.T) {
	drv := NewSimDriver()
	backend, err := NewGPIOBackend(drv, config.DefaultRelayPins)
	require.NoError(t, err)
	c, err := NewController(backend, zerolog.Nop())
	require.NoError(t, err)

	require.True(t, c.Pulse(4, time.Hour))
	require.Eventually(t, func() bool { return c.State(4) }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(time.Second))
	level, _ := drv.Level(config.DefaultRelayPins[4])
	assert.Equal(t, levelOff, level)
	hist := drv.History()
	assert.Equal(t, "release", hist[len(hist)-1])
	assert.False(t, c.Pulse(4, time.Millisecond))
}

func TestWebBackend_EndpointsAndAuth(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		calls = append(calls, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		if r.URL.Path == "/state.cgi" {
			_, _ = w.Write([]byte(`{"relay":[0,1,0,0,0,0,0,0]}`))
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	cfg := config.WebRelayConfig{
		Host:      strings.TrimPrefix(srv.URL, "http://"),
		Username:  "admin",
		Password:  "secret",
		PulseTime: 30 * time.Millisecond,
		Timeout:   time.Second,
	}
	b := NewWebBackend(cfg, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, 2, true))
	require.NoError(t, b.Write(ctx, 2, false))
	require.NoError(t, b.NativePulse(ctx, 7))

	states, err := b.ReadStates(ctx)
	require.NoError(t, err)
	assert.True(t, states[2])
	assert.False(t, states[1])

	msg, err := b.TestConnection(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "connected")

	mu.Lock()
	assert.Equal(t, []string{
		"/relay.cgi?relayon2=on",
		"/relay.cgi?relayoff2=off",
		"/relay.cgi?pulse7=pulse",
		"/state.cgi?",
		"/state.cgi?",
	}, calls)
	mu.Unlock()

	bad := NewWebBackend(config.WebRelayConfig{Host: cfg.Host, Username: "admin", Password: "wrong", Timeout: time.Second}, zerolog.Nop())
	_, err = bad.TestConnection(ctx)
	assert.ErrorContains(t, err, "authentication failed")
	assert.Error(t, bad.Write(ctx, 1, true))
	assert.Contains(t, bad.LastError(), "HTTP 401")
}

func TestController_WebNativePulseMarksThenClears(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	b := NewWebBackend(config.WebRelayConfig{
		Host:      strings.TrimPrefix(srv.URL, "http://"),
		PulseTime: 40 * time.Millisecond,
		Timeout:   time.Second,
	}, zerolog.Nop())
	c, err := NewController(b, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close(time.Second)

	require.True(t, c.PulseMany([]int{1, 2}, time.Hour))
	require.Eventually(t, func() bool { return c.State(1) && c.State(2) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !c.State(1) && !c.State(2) }, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.States()[1].Pin)
}
