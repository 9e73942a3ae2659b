package realtime

import "errors"

var ErrInvalidFilter = errors.New("invalid filter")

// Subscription filters. A camera without a subscription falls back to the
// "*" default; with neither, the event is delivered.
const (
	FilterAll          = "all"
	FilterRegistered   = "registered"
	FilterUnregistered = "unregistered"
	FilterNone         = "none"

	allCameras = "*"
)

func validFilter(f string) bool {
	switch f {
	case FilterAll, FilterRegistered, FilterUnregistered, FilterNone:
		return true
	}
	return false
}

// shouldSend decides whether an access event from camera reaches a client
// with subs.
func shouldSend(subs map[string]string, camera string, granted bool) bool {
	f, ok := subs[camera]
	if !ok {
		f, ok = subs[allCameras]
	}
	if !ok {
		return true
	}
	switch f {
	case FilterNone:
		return false
	case FilterRegistered:
		return granted
	case FilterUnregistered:
		return !granted
	default:
		return true
	}
}
