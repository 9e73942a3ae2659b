// Package relay drives the barrier relays. One Controller owns the channel
// state table; the physical side is a Backend chosen once at startup.
package relay

import (
	"context"
	"errors"
	"time"
)

const (
	MinChannel = 1
	MaxChannel = 8
)

var (
	ErrInvalidChannel = errors.New("invalid relay channel")
	ErrClosed         = errors.New("relay controller closed")
)

// Backend writes logical relay states to hardware.
type Backend interface {
	Kind() string
	// Setup drives every channel to OFF before first use.
	Setup(ctx context.Context) error
	Write(ctx context.Context, channel int, on bool) error
	// Pin returns the physical line for channel, or nil when the backend has
	// no such notion.
	Pin(channel int) *int
	// Close drives every channel to OFF and releases the hardware.
	Close() error
}

// NativePulser is implemented by backends whose hardware pulses a channel in
// a single command.
type NativePulser interface {
	NativePulse(ctx context.Context, channel int) error
	PulseTime() time.Duration
}

// Tester is implemented by backends that can probe their hardware.
type Tester interface {
	TestConnection(ctx context.Context) (string, error)
}

// StateReader is implemented by backends that can report live channel states.
type StateReader interface {
	ReadStates(ctx context.Context) (map[int]bool, error)
}

// ErrorReporter exposes the last hardware error for status reporting.
type ErrorReporter interface {
	LastError() string
}

type ChannelState struct {
	Channel int    `json:"channel"`
	Name    string `json:"name"`
	On      bool   `json:"state"`
	Pin     *int   `json:"pin"`
}

func ValidChannel(ch int) bool {
	return ch >= MinChannel && ch <= MaxChannel
}
