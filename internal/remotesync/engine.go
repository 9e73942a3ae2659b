// Package remotesync keeps the local store in step with the remote property
// system: it pulls vehicles, locations and cameras, and pushes access events
// through the durable queue.
package remotesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gate-controller/internal/config"
	"gate-controller/internal/odoo"
	"gate-controller/internal/queue"
	"gate-controller/internal/repository"
	"gate-controller/internal/utils"
)

// ErrQueued means the push was stored for redelivery instead of completing.
var ErrQueued = errors.New("access event queued for retry")

// pushSlack is the time allowed for local writes around a remote push.
const pushSlack = 5 * time.Second

// Remote is the part of the odoo client the engine needs.
type Remote interface {
	IsConfigured(ctx context.Context) bool
	GetVehicles(ctx context.Context, siteID int64, limit int) ([]odoo.RemoteVehicle, error)
	GetLocations(ctx context.Context, siteID int64) ([]odoo.RemoteLocation, error)
	GetCameras(ctx context.Context, siteID int64) ([]odoo.RemoteCamera, error)
	CreateAccessLog(ctx context.Context, v odoo.AccessLogValues) (int64, error)
	TestConnection(ctx context.Context) (string, error)
	Status(ctx context.Context) odoo.Status
}

type Stores struct {
	Vehicles  *repository.VehicleRepository
	Locations *repository.LocationRepository
	Cameras   *repository.CameraRepository
	Logs      *repository.AccessLogRepository
}

// AccessLogPayload is the queued form of one access event push.
type AccessLogPayload struct {
	LogID           int64     `json:"log_id"`
	Plate           string    `json:"plate"`
	LoggedAt        time.Time `json:"logged_at"`
	AccessGranted   bool      `json:"access_granted"`
	VehicleType     string    `json:"vehicle_type"`
	LocationID      *int64    `json:"location_id,omitempty"`
	PlateImageURL   string    `json:"plate_image_url,omitempty"`
	VehicleImageURL string    `json:"vehicle_image_url,omitempty"`
	UnitID          *int64    `json:"unit_id,omitempty"`
	IUNumber        string    `json:"iu_number,omitempty"`
}

type Result struct {
	Locations int           `json:"locations"`
	Cameras   int           `json:"cameras"`
	Vehicles  int           `json:"vehicles"`
	Errors    []string      `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func (r Result) OK() bool {
	return len(r.Errors) == 0
}

type Engine struct {
	remote     Remote
	stores     Stores
	queue      *queue.Queue
	dispatcher *queue.Dispatcher
	cfg        config.SyncConfig
	log        zerolog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	pushes  sync.WaitGroup

	// syncMu keeps SyncAll runs from overlapping.
	syncMu sync.Mutex

	statusMu   sync.RWMutex
	lastSync   time.Time
	lastResult *Result
	lastError  string
}

func NewEngine(remote Remote, stores Stores, q *queue.Queue, d *queue.Dispatcher, cfg config.SyncConfig, log zerolog.Logger) *Engine {
	e := &Engine{
		remote:     remote,
		stores:     stores,
		queue:      q,
		dispatcher: d,
		cfg:        cfg,
		log:        log,
	}
	d.Register(queue.KindAccessLog, e.deliverAccessLog)
	return e
}

// SyncAll pulls locations, cameras and vehicles in that order. A failed pull
// leaves that table untouched and does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) (*Result, error) {
	if !e.remote.IsConfigured(ctx) {
		return nil, odoo.ErrNotAuthenticated
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	res := &Result{StartedAt: time.Now(), Errors: []string{}}
	siteID := e.cfg.SiteID

	if n, err := e.syncLocations(ctx, siteID); err != nil {
		res.Errors = append(res.Errors, "locations: "+err.Error())
	} else {
		res.Locations = n
	}
	if n, err := e.syncCameras(ctx, siteID); err != nil {
		res.Errors = append(res.Errors, "cameras: "+err.Error())
	} else {
		res.Cameras = n
	}
	if n, err := e.syncVehicles(ctx, siteID); err != nil {
		res.Errors = append(res.Errors, "vehicles: "+err.Error())
	} else {
		res.Vehicles = n
	}
	res.Duration = time.Since(res.StartedAt)

	e.statusMu.Lock()
	e.lastSync = res.StartedAt
	e.lastResult = res
	e.lastError = strings.Join(res.Errors, "; ")
	e.statusMu.Unlock()

	var evt *zerolog.Event
	if res.OK() {
		evt = e.log.Info()
	} else {
		evt = e.log.Warn().Strs("errors", res.Errors)
	}
	evt.Int("locations", res.Locations).
		Int("cameras", res.Cameras).
		Int("vehicles", res.Vehicles).
		Dur("duration", res.Duration).
		Msg("sync finished")
	return res, nil
}

func (e *Engine) syncLocations(ctx context.Context, siteID int64) (int, error) {
	remote, err := e.remote.GetLocations(ctx, siteID)
	if err != nil {
		return 0, err
	}
	records := make([]repository.LocationRecord, 0, len(remote))
	for _, l := range remote {
		records = append(records, repository.LocationRecord{
			OdooID:          l.ID,
			SiteID:          l.Site.IDPtr(),
			Name:            string(l.Name),
			Code:            string(l.Code),
			CameraIPAddress: string(l.CameraIPAddress),
			ParentID:        l.Parent.IDPtr(),
		})
	}
	return e.stores.Locations.ReplaceAll(ctx, records)
}

func (e *Engine) syncCameras(ctx context.Context, siteID int64) (int, error) {
	remote, err := e.remote.GetCameras(ctx, siteID)
	if err != nil {
		return 0, err
	}
	records := make([]repository.CameraRecord, 0, len(remote))
	for _, c := range remote {
		records = append(records, repository.CameraRecord{
			OdooID:      c.ID,
			LocationID:  c.Location.IDPtr(),
			SiteID:      c.Site.IDPtr(),
			Name:        string(c.Name),
			RegCode:     strings.TrimSpace(string(c.RegCode)),
			RegPassword: string(c.RegPassword),
		})
	}
	return e.stores.Cameras.ReplaceAll(ctx, records)
}

func (e *Engine) syncVehicles(ctx context.Context, siteID int64) (int, error) {
	remote, err := e.remote.GetVehicles(ctx, siteID, e.cfg.RecordLimit)
	if err != nil {
		return 0, err
	}
	records := make([]repository.VehicleRecord, 0, len(remote))
	for _, v := range remote {
		plate := utils.NormalizePlate(string(v.VehicleNumber))
		if plate == "" {
			e.log.Debug().Int64("odoo_id", v.ID).Msg("skipping vehicle without plate")
			continue
		}
		records = append(records, repository.VehicleRecord{
			OdooID:    v.ID,
			Plate:     plate,
			IUNumber:  string(v.IUNumber),
			UnitID:    v.Unit.IDPtr(),
			UnitName:  v.Unit.Name,
			OwnerName: string(v.Name),
			ValidFrom: v.ValidFrom.Time,
			ValidTo:   v.ValidTo.Time,
		})
	}
	return e.stores.Vehicles.ReplaceAll(ctx, records)
}

// PushAccessEvent queues the event and makes one immediate delivery attempt.
// It returns the remote record id, or ErrQueued when the event was left for
// the background drain.
func (e *Engine) PushAccessEvent(ctx context.Context, p AccessLogPayload) (int64, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	id, err := e.queue.Enqueue(ctx, queue.KindAccessLog, json.RawMessage(raw))
	if err != nil {
		return 0, err
	}

	if !e.remote.IsConfigured(ctx) {
		return 0, fmt.Errorf("%w: remote not configured", ErrQueued)
	}

	ok, err := e.dispatcher.Deliver(ctx, queue.Item{ID: id, Kind: queue.KindAccessLog, Payload: raw})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueued, err)
	}
	if !ok {
		return 0, ErrQueued
	}

	entry, err := e.stores.Logs.GetByID(ctx, p.LogID)
	if err != nil || entry == nil || entry.OdooLogID == nil {
		return 0, nil
	}
	return *entry.OdooLogID, nil
}

// PushAccessEventAsync runs PushAccessEvent in a tracked goroutine. Stop
// waits for it.
func (e *Engine) PushAccessEventAsync(p AccessLogPayload) {
	e.pushes.Add(1)
	go func() {
		defer e.pushes.Done()
		// The remote call inside gets requestTimeout of its own; the slack
		// covers the queue writes around it.
		ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout()+pushSlack)
		defer cancel()

		remoteID, err := e.PushAccessEvent(ctx, p)
		switch {
		case errors.Is(err, ErrQueued):
			e.log.Warn().Err(err).Int64("log_id", p.LogID).Msg("access event push deferred")
		case err != nil:
			e.log.Error().Err(err).Int64("log_id", p.LogID).Msg("access event push failed")
		default:
			e.log.Info().Int64("log_id", p.LogID).Int64("remote_id", remoteID).Msg("access event pushed")
		}
	}()
}

func (e *Engine) deliverAccessLog(ctx context.Context, _ int64, payload json.RawMessage) error {
	var p AccessLogPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid access log payload: %w", err)
	}

	// A deferred image upload may have finished since the event was queued.
	if entry, err := e.stores.Logs.GetByID(ctx, p.LogID); err == nil && entry != nil && entry.StorageURL != nil {
		if *entry.StorageURL != "" {
			p.PlateImageURL = *entry.StorageURL
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()

	remoteID, err := e.remote.CreateAccessLog(ctx, odoo.AccessLogValues{
		Plate:           p.Plate,
		LoggedAt:        p.LoggedAt,
		SiteID:          e.cfg.SiteID,
		LocationID:      p.LocationID,
		PlateImageURL:   p.PlateImageURL,
		VehicleImageURL: p.VehicleImageURL,
		UnitID:          p.UnitID,
		IUNumber:        p.IUNumber,
	})
	if err != nil {
		return err
	}
	if p.LogID != 0 {
		markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), pushSlack)
		defer cancelMark()
		if err := e.stores.Logs.MarkSynced(markCtx, p.LogID, remoteID); err != nil {
			e.log.Error().Err(err).Int64("log_id", p.LogID).Msg("failed to mark access log synced")
		}
	}
	return nil
}

// DrainQueue redelivers pending items when the remote is configured.
func (e *Engine) DrainQueue(ctx context.Context) (queue.DrainResult, error) {
	if !e.remote.IsConfigured(ctx) {
		return queue.DrainResult{}, nil
	}
	batch := e.cfg.QueueBatch
	if batch <= 0 {
		batch = 20
	}
	return e.dispatcher.Drain(ctx, batch)
}

// ForceSync runs a full pull and a queue drain right away.
func (e *Engine) ForceSync(ctx context.Context) (*Result, error) {
	res, err := e.SyncAll(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := e.DrainQueue(ctx); err != nil {
		e.log.Warn().Err(err).Msg("queue drain after forced sync failed")
	}
	return res, nil
}

func (e *Engine) TestConnection(ctx context.Context) (string, error) {
	return e.remote.TestConnection(ctx)
}

// Start launches the periodic loop. Ticks are skipped while the remote is not
// configured. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.loop(ctx)
	e.log.Info().Dur("interval", e.cfg.Interval).Msg("sync loop started")
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	if !sleepCtx(ctx, e.cfg.InitialDelay) {
		return
	}
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.remote.IsConfigured(ctx) {
		e.log.Debug().Msg("remote not configured, skipping sync")
		return
	}
	if _, err := e.SyncAll(ctx); err != nil {
		e.log.Error().Err(err).Msg("periodic sync failed")
	}
	if _, err := e.DrainQueue(ctx); err != nil && ctx.Err() == nil {
		e.log.Error().Err(err).Msg("periodic queue drain failed")
	}
}

// Stop cancels the loop and waits up to the configured timeout for it and
// for in-flight pushes. A loop that does not stop in time is abandoned.
func (e *Engine) Stop() {
	timeout := e.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if e.running.CompareAndSwap(true, false) {
		e.cancel()
		select {
		case <-e.done:
			e.log.Info().Msg("sync loop stopped")
		case <-time.After(timeout):
			e.log.Warn().Dur("timeout", timeout).Msg("sync loop did not stop in time")
		}
	}

	pushed := make(chan struct{})
	go func() {
		e.pushes.Wait()
		close(pushed)
	}()
	select {
	case <-pushed:
	case <-time.After(timeout):
		e.log.Warn().Msg("access event pushes still running at shutdown")
	}
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

type Status struct {
	Running        bool        `json:"running"`
	LastSync       *time.Time  `json:"last_sync"`
	LastResult     *Result     `json:"last_result,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	QueuePending   int64       `json:"queue_pending"`
	QueueExhausted int64       `json:"queue_exhausted"`
	UnsyncedLogs   int64       `json:"unsynced_logs"`
	Vehicles       int64       `json:"vehicles"`
	Locations      int64       `json:"locations"`
	Cameras        int64       `json:"cameras"`
	Remote         odoo.Status `json:"odoo"`
}

func (e *Engine) Status(ctx context.Context) Status {
	st := Status{Running: e.Running(), Remote: e.remote.Status(ctx)}

	e.statusMu.RLock()
	if !e.lastSync.IsZero() {
		t := e.lastSync
		st.LastSync = &t
	}
	st.LastResult = e.lastResult
	st.LastError = e.lastError
	e.statusMu.RUnlock()

	st.QueuePending, _ = e.queue.CountPending(ctx)
	st.QueueExhausted, _ = e.queue.CountExhausted(ctx)
	st.UnsyncedLogs, _ = e.stores.Logs.CountUnsynced(ctx)
	st.Vehicles, _ = e.stores.Vehicles.Count(ctx)
	st.Locations, _ = e.stores.Locations.Count(ctx)
	st.Cameras, _ = e.stores.Cameras.Count(ctx)
	return st
}

func (e *Engine) requestTimeout() time.Duration {
	if e.cfg.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return e.cfg.RequestTimeout
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
