// Package queue implements the durable at-least-once outbox shared by every
// operation that needs the network: remote log pushes and image uploads write
// their intent here before the first attempt.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gate-controller/internal/repository"
)

// MaxRetries is the retry ceiling. Items at or above it are exhausted: never
// redelivered, never deleted.
const MaxRetries = 5

const (
	KindAccessLog   = "odoo_log"
	KindImageUpload = "s3_image"
)

var ErrNotFound = errors.New("queue item not found")

type Item struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Retries   int             `json:"retries"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt string          `json:"created_at"`
	Exhausted bool            `json:"exhausted"`
}

type Queue struct {
	repo *repository.QueueRepository
	log  zerolog.Logger
}

func New(repo *repository.QueueRepository, log zerolog.Logger) *Queue {
	return &Queue{repo: repo, log: log}
}

// Enqueue stores payload as JSON under kind and returns the item id.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}) (int64, error) {
	if kind == "" {
		return 0, fmt.Errorf("queue kind is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	item, err := q.repo.Insert(ctx, kind, raw)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	q.log.Debug().Int64("queue_id", item.ID).Str("kind", kind).Msg("queued item")
	return item.ID, nil
}

// DequeuePending returns up to limit redeliverable items, oldest first. It
// does not lock or hide them; concurrent drains may both see an item.
func (q *Queue) DequeuePending(ctx context.Context, kind string, limit int) ([]Item, error) {
	rows, err := q.repo.Pending(ctx, kind, MaxRetries, limit)
	if err != nil {
		return nil, err
	}
	return toItems(rows), nil
}

func (q *Queue) MarkDone(ctx context.Context, id int64) error {
	return q.repo.Delete(ctx, id)
}

func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.repo.IncrementRetry(ctx, id, msg); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	q.log.Warn().Int64("queue_id", id).Str("error", msg).Msg("queue item delivery failed")
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	row, err := q.repo.Get(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item := toItem(*row)
	return &item, nil
}

func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	return q.repo.CountBelow(ctx, MaxRetries)
}

func (q *Queue) CountExhausted(ctx context.Context) (int64, error) {
	return q.repo.CountAtOrAbove(ctx, MaxRetries)
}

// List returns items of kind, including exhausted ones.
func (q *Queue) List(ctx context.Context, kind string, limit int) ([]Item, error) {
	rows, err := q.repo.List(ctx, kind, limit)
	if err != nil {
		return nil, err
	}
	return toItems(rows), nil
}

func toItems(rows []repository.QueueItem) []Item {
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, toItem(row))
	}
	return items
}

func toItem(row repository.QueueItem) Item {
	item := Item{
		ID:        row.ID,
		Kind:      row.QueueType,
		Payload:   json.RawMessage(row.Payload),
		Retries:   row.Retries,
		CreatedAt: row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Exhausted: row.Retries >= MaxRetries,
	}
	if row.LastError != nil {
		item.LastError = *row.LastError
	}
	return item
}
