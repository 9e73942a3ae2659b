package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Listener receives a snapshot of every channel after a state change. It is
// called outside the controller lock and must not block.
type Listener func(states map[int]ChannelState)

type Controller struct {
	backend      Backend
	log          zerolog.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	states   map[int]bool
	names    map[int]string
	closed   bool
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController forces every channel OFF through backend.Setup and returns a
// controller ready for use.
func NewController(backend Backend, log zerolog.Logger) (*Controller, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		backend:      backend,
		log:          log,
		writeTimeout: 5 * time.Second,
		states:       make(map[int]bool, MaxChannel),
		names:        make(map[int]string, MaxChannel),
		ctx:          ctx,
		cancel:       cancel,
	}
	for ch := MinChannel; ch <= MaxChannel; ch++ {
		c.states[ch] = false
		c.names[ch] = fmt.Sprintf("Relay %d", ch)
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer setupCancel()
	if err := backend.Setup(setupCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("relay backend %s setup failed: %w", backend.Kind(), err)
	}

	log.Info().Str("backend", backend.Kind()).Msg("relay controller ready, all channels off")
	return c, nil
}

func (c *Controller) Kind() string {
	return c.backend.Kind()
}

func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Controller) SetName(ch int, name string) bool {
	if !ValidChannel(ch) || name == "" {
		return false
	}
	c.mu.Lock()
	c.names[ch] = name
	c.mu.Unlock()
	return true
}

// SetChannel switches one channel and reports whether the hardware accepted
// the write. Invalid channels fail without side effect.
func (c *Controller) SetChannel(ch int, on bool) bool {
	if !ValidChannel(ch) {
		c.log.Warn().Int("channel", ch).Msg("invalid relay channel")
		return false
	}
	ok := c.write(ch, on)
	if ok {
		c.notify()
	}
	return ok
}

// write performs one serialized backend write and updates the state table.
func (c *Controller) write(ch int, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.backend.Write(ctx, ch, on); err != nil {
		c.log.Error().
			Err(err).
			Int("channel", ch).
			Bool("on", on).
			Str("backend", c.backend.Kind()).
			Msg("relay write failed")
		return false
	}
	c.states[ch] = on
	c.log.Info().Int("channel", ch).Str("state", onOff(on)).Msg("relay set")
	return true
}

func (c *Controller) setCached(ch int, on bool) {
	c.mu.Lock()
	c.states[ch] = on
	c.mu.Unlock()
}

// Pulse schedules ON, wait d, OFF for one channel and returns at once. The
// return value reports whether the pulse was scheduled.
func (c *Controller) Pulse(ch int, d time.Duration) bool {
	if !ValidChannel(ch) {
		c.log.Warn().Int("channel", ch).Msg("invalid relay channel")
		return false
	}
	return c.PulseMany([]int{ch}, d)
}

// PulseMany turns every channel ON, waits d once and turns them all OFF. The
// OFF pass always runs, even for channels whose ON write failed. Any invalid
// channel rejects the whole request.
func (c *Controller) PulseMany(channels []int, d time.Duration) bool {
	chs, err := normalizeChannels(channels)
	if err != nil {
		c.log.Warn().Ints("channels", channels).Err(err).Msg("pulse rejected")
		return false
	}
	if len(chs) == 0 {
		return true
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	if np, ok := c.backend.(NativePulser); ok {
		go c.runNativePulse(np, chs)
	} else {
		go c.runPulse(chs, d)
	}

	c.log.Info().Ints("channels", chs).Dur("duration", d).Msg("relays pulsing")
	return true
}

func (c *Controller) runPulse(chs []int, d time.Duration) {
	defer c.wg.Done()

	for _, ch := range chs {
		c.write(ch, true)
	}
	c.notify()

	c.sleep(d)

	for _, ch := range chs {
		if !c.write(ch, false) {
			// One more try; a relay stuck ON keeps a barrier open.
			c.write(ch, false)
		}
	}
	c.notify()
}

func (c *Controller) runNativePulse(np NativePulser, chs []int) {
	defer c.wg.Done()

	var pulsed []int
	for _, ch := range chs {
		ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
		err := np.NativePulse(ctx, ch)
		cancel()
		if err != nil {
			c.log.Error().Err(err).Int("channel", ch).Msg("relay pulse failed")
			continue
		}
		c.setCached(ch, true)
		pulsed = append(pulsed, ch)
	}
	if len(pulsed) == 0 {
		return
	}
	c.notify()

	c.sleep(np.PulseTime())

	for _, ch := range pulsed {
		c.setCached(ch, false)
	}
	c.notify()
}

// sleep waits d or until the controller is closing.
func (c *Controller) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.ctx.Done():
	}
}

func (c *Controller) AllOn() bool {
	return c.setAll(true)
}

func (c *Controller) AllOff() bool {
	return c.setAll(false)
}

func (c *Controller) setAll(on bool) bool {
	ok := true
	for ch := MinChannel; ch <= MaxChannel; ch++ {
		if !c.write(ch, on) {
			ok = false
		}
	}
	c.notify()
	return ok
}

func (c *Controller) State(ch int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[ch]
}

func (c *Controller) States() map[int]ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() map[int]ChannelState {
	out := make(map[int]ChannelState, len(c.states))
	for ch, on := range c.states {
		out[ch] = ChannelState{
			Channel: ch,
			Name:    c.names[ch],
			On:      on,
			Pin:     c.backend.Pin(ch),
		}
	}
	return out
}

func (c *Controller) notify() {
	c.mu.Lock()
	l := c.listener
	var snap map[int]ChannelState
	if l != nil {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()
	if l != nil {
		l(snap)
	}
}

// Test probes the backend hardware when it supports it.
func (c *Controller) Test(ctx context.Context) (string, error) {
	t, ok := c.backend.(Tester)
	if !ok {
		return fmt.Sprintf("%s backend has no connection test", c.backend.Kind()), nil
	}
	return t.TestConnection(ctx)
}

// Refresh replaces the cached states with what the hardware reports.
func (c *Controller) Refresh(ctx context.Context) error {
	sr, ok := c.backend.(StateReader)
	if !ok {
		return nil
	}
	states, err := sr.ReadStates(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for ch, on := range states {
		if ValidChannel(ch) {
			c.states[ch] = on
		}
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) LastError() string {
	if er, ok := c.backend.(ErrorReporter); ok {
		return er.LastError()
	}
	return ""
}

// Close cuts in-flight pulses short, waits up to timeout for them to finish
// their OFF pass, then forces every channel OFF and releases the backend.
func (c *Controller) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warn().Dur("timeout", timeout).Msg("relay pulses still running at shutdown")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.states {
		c.states[ch] = false
	}
	return c.backend.Close()
}

func normalizeChannels(channels []int) ([]int, error) {
	seen := make(map[int]bool, len(channels))
	out := make([]int, 0, len(channels))
	for _, ch := range channels {
		if !ValidChannel(ch) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	sort.Ints(out)
	return out, nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
