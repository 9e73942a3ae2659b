package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gate-controller/internal/queue"
)

// URLRecorder backfills the storage URL of an access log entry.
type URLRecorder interface {
	UpdateStorageURL(ctx context.Context, id int64, url string) error
}

type keyer interface {
	Key(rel string) string
}

type urler interface {
	URL(key string) string
}

// UploadPayload is the queued description of one pending upload.
type UploadPayload struct {
	LogID     int64  `json:"log_id"`
	LocalPath string `json:"local_path"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Primary   bool   `json:"primary"`
}

// Uploader moves saved images to the object store through the retry queue.
// After a successful upload the local file is deleted and, for the primary
// image, the log entry's storage URL is backfilled.
type Uploader struct {
	local *Local
	store ObjectStore
	queue *queue.Queue
	disp  *queue.Dispatcher
	logs  URLRecorder
	log   zerolog.Logger

	wg sync.WaitGroup
}

func NewUploader(local *Local, store ObjectStore, q *queue.Queue, d *queue.Dispatcher, logs URLRecorder, log zerolog.Logger) *Uploader {
	u := &Uploader{
		local: local,
		store: store,
		queue: q,
		disp:  d,
		logs:  logs,
		log:   log.With().Str("component", "uploader").Logger(),
	}
	d.Register(queue.KindImageUpload, u.deliver)
	return u
}

func (u *Uploader) key(rel string) string {
	if k, ok := u.store.(keyer); ok {
		return k.Key(rel)
	}
	return rel
}

// URL predicts the object URL rel will have once uploaded, or "" when the
// store cannot tell in advance.
func (u *Uploader) URL(rel string) string {
	if s, ok := u.store.(urler); ok {
		return s.URL(u.key(rel))
	}
	return ""
}

// Schedule queues an upload of rel and attempts it in the background.
func (u *Uploader) Schedule(ctx context.Context, logID int64, rel, kind string, primary bool) error {
	payload := UploadPayload{LogID: logID, LocalPath: rel, Key: u.key(rel), Type: kind, Primary: primary}
	id, err := u.queue.Enqueue(ctx, queue.KindImageUpload, payload)
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(payload)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := u.disp.Deliver(ctx, queue.Item{ID: id, Kind: queue.KindImageUpload, Payload: raw}); err != nil {
			u.log.Warn().Err(err).Int64("log_id", logID).Str("path", rel).Msg("image upload deferred")
		}
	}()
	return nil
}

func (u *Uploader) deliver(ctx context.Context, _ int64, raw json.RawMessage) error {
	var p UploadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("invalid upload payload: %w", err)
	}
	data, err := u.local.Read(p.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", p.LocalPath, err)
	}
	url, err := u.store.Put(ctx, p.Key, data, "image/jpeg")
	if err != nil {
		return err
	}
	if p.Primary && p.LogID > 0 {
		if err := u.logs.UpdateStorageURL(ctx, p.LogID, url); err != nil {
			return fmt.Errorf("failed to record storage url: %w", err)
		}
	}
	if err := u.local.Remove(p.LocalPath); err != nil {
		u.log.Warn().Err(err).Str("path", p.LocalPath).Msg("failed to remove uploaded image")
	}
	u.log.Info().Int64("log_id", p.LogID).Str("url", url).Msg("image uploaded")
	return nil
}

// Wait blocks until background uploads finish or timeout passes.
func (u *Uploader) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		u.log.Warn().Dur("timeout", timeout).Msg("image uploads still running at shutdown")
		return false
	}
}
