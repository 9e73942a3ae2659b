package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Relay boards on the gate box are active-low: driving the line low energizes
// the relay.
const (
	levelOn  = 0
	levelOff = 1
)

// LineDriver claims and drives output lines on one GPIO chip.
type LineDriver interface {
	Name() string
	Claim(offset, value int) error
	Set(offset, value int) error
	Release() error
}

type GPIOBackend struct {
	driver LineDriver
	pins   map[int]int
}

func NewGPIOBackend(driver LineDriver, pins map[int]int) (*GPIOBackend, error) {
	if len(pins) == 0 {
		return nil, errors.New("no relay pins configured")
	}
	own := make(map[int]int, len(pins))
	for ch, pin := range pins {
		if !ValidChannel(ch) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
		}
		own[ch] = pin
	}
	return &GPIOBackend{driver: driver, pins: own}, nil
}

func (b *GPIOBackend) Kind() string {
	return "gpio"
}

func (b *GPIOBackend) Setup(_ context.Context) error {
	for _, ch := range b.channels() {
		if err := b.driver.Claim(b.pins[ch], levelOff); err != nil {
			return fmt.Errorf("failed to claim pin %d for channel %d: %w", b.pins[ch], ch, err)
		}
	}
	return nil
}

func (b *GPIOBackend) Write(_ context.Context, channel int, on bool) error {
	pin, ok := b.pins[channel]
	if !ok {
		return fmt.Errorf("%w: %d has no pin", ErrInvalidChannel, channel)
	}
	level := levelOff
	if on {
		level = levelOn
	}
	return b.driver.Set(pin, level)
}

func (b *GPIOBackend) Pin(channel int) *int {
	pin, ok := b.pins[channel]
	if !ok {
		return nil
	}
	return &pin
}

func (b *GPIOBackend) Close() error {
	var errs []error
	for _, ch := range b.channels() {
		if err := b.driver.Set(b.pins[ch], levelOff); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", ch, err))
		}
	}
	if err := b.driver.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *GPIOBackend) TestConnection(_ context.Context) (string, error) {
	return fmt.Sprintf("gpio driver %s with %d pins", b.driver.Name(), len(b.pins)), nil
}

func (b *GPIOBackend) channels() []int {
	out := make([]int, 0, len(b.pins))
	for ch := range b.pins {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}
