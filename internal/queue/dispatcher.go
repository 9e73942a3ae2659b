package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// recordTimeout bounds the bookkeeping write after a delivery attempt. It runs
// on a context detached from the attempt so an expired deadline still records.
const recordTimeout = 5 * time.Second

// Handler delivers one payload. A nil error completes the item.
type Handler func(ctx context.Context, itemID int64, payload json.RawMessage) error

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Dispatcher routes queue items to per-kind handlers. Items currently being
// delivered by an eager attempt are skipped so one process never sends the
// same item twice at once.
type Dispatcher struct {
	queue    *Queue
	log      zerolog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
	inflight sync.Map
}

func NewDispatcher(q *Queue, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; !ok {
		d.order = append(d.order, kind)
	}
	d.handlers[kind] = h
}

// Deliver runs the handler for a single item and records the outcome. It
// returns the handler error. An item already in flight is reported as
// delivered=false, err=nil.
func (d *Dispatcher) Deliver(ctx context.Context, item Item) (bool, error) {
	d.mu.RLock()
	h, ok := d.handlers[item.Kind]
	d.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no handler for queue kind %q", item.Kind)
	}

	if _, busy := d.inflight.LoadOrStore(item.ID, struct{}{}); busy {
		return false, nil
	}
	defer d.inflight.Delete(item.ID)

	deliverErr := h(ctx, item.ID, item.Payload)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if deliverErr != nil {
		if markErr := d.queue.MarkFailed(recordCtx, item.ID, deliverErr); markErr != nil {
			d.log.Error().Err(markErr).Int64("queue_id", item.ID).Msg("failed to record queue failure")
		}
		return false, deliverErr
	}
	if err := d.queue.MarkDone(recordCtx, item.ID); err != nil {
		d.log.Error().Err(err).Int64("queue_id", item.ID).Msg("failed to complete queue item")
		return true, nil
	}
	return true, nil
}

// Drain attempts up to batch pending items of every registered kind, oldest
// first within a kind.
func (d *Dispatcher) Drain(ctx context.Context, batch int) (DrainResult, error) {
	d.mu.RLock()
	kinds := append([]string(nil), d.order...)
	d.mu.RUnlock()

	var res DrainResult
	for _, kind := range kinds {
		items, err := d.queue.DequeuePending(ctx, kind, batch)
		if err != nil {
			return res, fmt.Errorf("failed to read pending %s items: %w", kind, err)
		}
		for _, item := range items {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Attempted++
			ok, err := d.Deliver(ctx, item)
			switch {
			case err != nil:
				res.Failed++
				d.log.Debug().Err(err).Int64("queue_id", item.ID).Str("kind", kind).Msg("redelivery failed")
			case ok:
				res.Delivered++
			}
		}
	}
	if res.Attempted > 0 {
		d.log.Info().
			Int("attempted", res.Attempted).
			Int("delivered", res.Delivered).
			Int("failed", res.Failed).
			Msg("queue drained")
	}
	return res, nil
}
