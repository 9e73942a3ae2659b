//go:build linux

package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// ChipDriver drives lines through the Linux GPIO character device.
type ChipDriver struct {
	chip  string
	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
}

// OpenChip returns a driver for the first chip in names that can be opened.
// Older boards expose the header on gpiochip0, the Pi 5 on gpiochip4.
func OpenChip(names ...string) (*ChipDriver, error) {
	if len(names) == 0 {
		names = []string{"gpiochip0", "gpiochip4"}
	}
	var errs []error
	for _, name := range names {
		c, err := gpiocdev.NewChip(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		_ = c.Close()
		return &ChipDriver{chip: name, lines: make(map[int]*gpiocdev.Line)}, nil
	}
	return nil, fmt.Errorf("no usable gpio chip: %w", errors.Join(errs...))
}

func (d *ChipDriver) Name() string {
	return d.chip
}

func (d *ChipDriver) Claim(offset, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lines[offset]; ok {
		return l.SetValue(value)
	}
	l, err := gpiocdev.RequestLine(d.chip, offset, gpiocdev.AsOutput(value), gpiocdev.WithConsumer("gate-controller"))
	if err != nil {
		return err
	}
	d.lines[offset] = l
	return nil
}

func (d *ChipDriver) Set(offset, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[offset]
	if !ok {
		return fmt.Errorf("line %d not claimed", offset)
	}
	return l.SetValue(value)
}

func (d *ChipDriver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for offset, l := range d.lines {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", offset, err))
		}
		delete(d.lines, offset)
	}
	return errors.Join(errs...)
}
