package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-controller/internal/access"
	"gate-controller/internal/config"
	"gate-controller/internal/db"
	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/odoo"
	"gate-controller/internal/queue"
	"gate-controller/internal/realtime"
	"gate-controller/internal/relay"
	"gate-controller/internal/remotesync"
	"gate-controller/internal/repository"
	"gate-controller/internal/storage"
)

type recordedBroadcast struct {
	camera  string
	granted bool
	msg     realtime.Message
}

type fakeHub struct {
	mu     sync.Mutex
	events []recordedBroadcast
}

func (h *fakeHub) BroadcastToCamera(camera string, granted bool, msg realtime.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedBroadcast{camera: camera, granted: granted, msg: msg})
}

func (h *fakeHub) BroadcastGlobal(msg realtime.Message) {
	h.BroadcastToCamera("", false, msg)
}

type failingRemote struct {
	mu  sync.Mutex
	err error
}

func (r *failingRemote) IsConfigured(context.Context) bool { return true }

func (r *failingRemote) GetVehicles(context.Context, int64, int) ([]odoo.RemoteVehicle, error) {
	return nil, nil
}

func (r *failingRemote) GetLocations(context.Context, int64) ([]odoo.RemoteLocation, error) {
	return nil, nil
}

func (r *failingRemote) GetCameras(context.Context, int64) ([]odoo.RemoteCamera, error) {
	return nil, nil
}

func (r *failingRemote) CreateAccessLog(context.Context, odoo.AccessLogValues) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return 77, nil
}

func (r *failingRemote) TestConnection(context.Context) (string, error) { return "ok", nil }

func (r *failingRemote) Status(context.Context) odoo.Status { return odoo.Status{Connected: true} }

type gateFixture struct {
	svc    *GateService
	driver *relay.SimDriver
	hub    *fakeHub
	remote *failingRemote
	sync   *remotesync.Engine
	queue  *queue.Queue
	logs   *repository.AccessLogRepository
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	ctx := context.Background()

	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	vehicles := repository.NewVehicleRepository(gdb)
	cameras := repository.NewCameraRepository(gdb)
	barriers := repository.NewBarrierRepository(gdb)
	logs := repository.NewAccessLogRepository(gdb)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	unit := int64(42)
	_, err = vehicles.ReplaceAll(ctx, []repository.VehicleRecord{{
		OdooID: 1, Plate: "XE5839D", UnitID: &unit, UnitName: "#12-34", OwnerName: "Tan", ValidFrom: &from, ValidTo: &to,
	}})
	require.NoError(t, err)

	loc := int64(5)
	_, err = cameras.ReplaceAll(ctx, []repository.CameraRecord{{OdooID: 10, Name: "Main Gate", RegCode: "CAM01", LocationID: &loc}})
	require.NoError(t, err)
	require.NoError(t, cameras.SetRelayChannels(ctx, "CAM01", []int{3}))

	drv := relay.NewSimDriver()
	backend, err := relay.NewGPIOBackend(drv, config.DefaultRelayPins)
	require.NoError(t, err)
	relays, err := relay.NewController(backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = relays.Close(time.Second) })

	blacklist := repository.NewBlacklistRepository(gdb)
	engine := access.NewEngine(vehicles, blacklist, cameras, barriers, zerolog.Nop()).
		WithClock(func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) })

	q := queue.New(repository.NewQueueRepository(gdb), zerolog.Nop())
	remote := &failingRemote{}
	syncEngine := remotesync.NewEngine(remote, remotesync.Stores{
		Vehicles:  vehicles,
		Locations: repository.NewLocationRepository(gdb),
		Cameras:   cameras,
		Logs:      logs,
	}, q, queue.NewDispatcher(q, zerolog.Nop()), config.SyncConfig{SiteID: 2, QueueBatch: 10, StopTimeout: time.Second, RequestTimeout: time.Second}, zerolog.Nop())

	hub := &fakeHub{}
	svc := NewGateService(Deps{
		Engine:    engine,
		Relays:    relays,
		Cameras:   cameras,
		Barriers:  barriers,
		Blacklist: blacklist,
		Logs:      logs,
		Images:    storage.NewLocal(t.TempDir()),
		Hub:       hub,
		Sync:      syncEngine,
	}, 50*time.Millisecond, zerolog.Nop())

	return &gateFixture{svc: svc, driver: drv, hub: hub, remote: remote, sync: syncEngine, queue: q, logs: logs}
}

func TestProcessDetection_RegisteredPlateOpensMappedChannel(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	pin := config.DefaultRelayPins[3]

	det := &anpr.Detection{Plate: "XE 5839 D", PlateImages: []anpr.Image{{Name: "licensePlatePicture.jpg", Data: []byte("jpeg")}}}
	res, err := f.svc.ProcessDetection(ctx, det, anpr.CameraRef{RegCode: "CAM01"})
	require.NoError(t, err)

	assert.True(t, res.AccessGranted)
	assert.Equal(t, "XE5839D", res.Plate)
	assert.Equal(t, anpr.ClassResident, res.VehicleType)
	assert.Equal(t, []int{3}, res.Channels)
	require.NotNil(t, res.CameraName)
	assert.Equal(t, "Main Gate", *res.CameraName)
	require.NotNil(t, res.LocationID)
	assert.Equal(t, int64(5), *res.LocationID)

	require.Eventually(t, func() bool {
		return pulsedOnce(f.driver.History(), pin)
	}, time.Second, 10*time.Millisecond)
	level, _ := f.driver.Level(pin)
	assert.Equal(t, 1, level)

	entry, err := f.logs.GetByID(ctx, res.LogID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.AccessGranted)
	assert.Equal(t, []int{3}, []int(entry.RelayTriggered))
	require.NotNil(t, entry.ImagePath)
	require.NotNil(t, entry.UnitName)
	assert.Equal(t, "#12-34", *entry.UnitName)

	f.sync.Stop()
	entry, err = f.logs.GetByID(ctx, res.LogID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.OdooSynced)

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	require.Len(t, f.hub.events, 2)
	assert.Equal(t, realtime.TypeAccessEvent, f.hub.events[0].msg.Type)
	assert.Empty(t, f.hub.events[0].camera)
	assert.Equal(t, realtime.TypeCameraEvent, f.hub.events[1].msg.Type)
	assert.Equal(t, "CAM01", f.hub.events[1].camera)
	assert.True(t, f.hub.events[1].granted)
	event, ok := f.hub.events[1].msg.Data.(anpr.AccessEvent)
	require.True(t, ok)
	assert.Equal(t, "/images/"+*entry.ImagePath, event.ImageURL)
}

// pulsedOnce reports whether history holds an ON write for pin followed by
// the matching OFF write. Relays are active-low.
func pulsedOnce(history []string, pin int) bool {
	on := fmt.Sprintf("set %d=0", pin)
	off := fmt.Sprintf("set %d=1", pin)
	seenOn := false
	for _, line := range history {
		switch {
		case line == on:
			seenOn = true
		case seenOn && line == off:
			return true
		}
	}
	return false
}

func TestProcessDetection_ImageWriteFailureStillActuates(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	blocked := filepath.Join(t.TempDir(), "images")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0o644))
	f.svc.deps.Images = storage.NewLocal(blocked)

	det := &anpr.Detection{Plate: "XE5839D", PlateImages: []anpr.Image{{Name: "licensePlatePicture.jpg", Data: []byte("jpeg")}}}
	res, err := f.svc.ProcessDetection(ctx, det, anpr.CameraRef{RegCode: "CAM01"})
	require.NoError(t, err)
	assert.True(t, res.AccessGranted)

	require.Eventually(t, func() bool {
		return pulsedOnce(f.driver.History(), config.DefaultRelayPins[3])
	}, time.Second, 10*time.Millisecond)

	entry, err := f.logs.GetByID(ctx, res.LogID)
	require.NoError(t, err)
	assert.Nil(t, entry.ImagePath)
	f.sync.Stop()
}

func TestProcessDetection_UnknownPlateDeniedWithoutActuation(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessDetection(ctx, &anpr.Detection{Plate: "SBA1234A"}, anpr.CameraRef{RegCode: "CAM01"})
	require.NoError(t, err)
	assert.False(t, res.AccessGranted)
	assert.Equal(t, anpr.ClassUnknown, res.VehicleType)
	assert.Empty(t, res.Channels)

	for _, line := range f.driver.History() {
		assert.NotEqual(t, "set 13=0", line)
	}

	entry, err := f.logs.GetByID(ctx, res.LogID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.AccessGranted)
	f.sync.Stop()
}

func TestProcessDetection_PushFailureQueuesEvent(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	f.remote.err = errors.New("connection refused")

	res, err := f.svc.ProcessDetection(ctx, &anpr.Detection{Plate: "XE5839D"}, anpr.CameraRef{RegCode: "CAM01"})
	require.NoError(t, err)
	f.sync.Stop()

	items, err := f.queue.DequeuePending(ctx, queue.KindAccessLog, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Retries)

	entry, err := f.logs.GetByID(ctx, res.LogID)
	require.NoError(t, err)
	assert.Zero(t, entry.OdooSynced)
}

func TestProcessDetection_EmptyPlate(t *testing.T) {
	f := newGateFixture(t)
	_, err := f.svc.ProcessDetection(context.Background(), &anpr.Detection{Plate: " - "}, anpr.CameraRef{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHeartbeat(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	hb, err := f.svc.Heartbeat(ctx, "CAM01")
	require.NoError(t, err)
	assert.Equal(t, "Main Gate", hb.CameraName)

	_, err = f.svc.Heartbeat(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Heartbeat(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestManualGrant(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	chs, err := f.svc.ManualGrant(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, chs)

	_, err = f.svc.ManualGrant(ctx, "", []int{9})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ManualGrant(ctx, "10.0.0.9", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetCameraRelays(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetCameraRelays(ctx, "CAM01", []int{1, 2}))
	assert.ErrorIs(t, f.svc.SetCameraRelays(ctx, "CAM01", []int{0}), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.SetCameraRelays(ctx, "NOPE", []int{1}), ErrNotFound)
}

func TestCheckPlateAndStats(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	pc, err := f.svc.CheckPlate(ctx, "xe 5839 d")
	require.NoError(t, err)
	assert.True(t, pc.Valid)

	_, err = f.svc.CheckPlate(ctx, "SBA1234A")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ProcessDetection(ctx, &anpr.Detection{Plate: "SBA1234A"}, anpr.CameraRef{IP: "10.0.0.9"})
	require.NoError(t, err)
	f.sync.Stop()

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Denied)
}

func TestBlacklistDeniesRegisteredPlate(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	entry, err := f.svc.AddBlacklist(ctx, "xe-5839 d", "tailgating", nil)
	require.NoError(t, err)
	assert.Equal(t, "XE5839D", entry.Plate)

	res, err := f.svc.ProcessDetection(ctx, &anpr.Detection{Plate: "XE5839D"}, anpr.CameraRef{RegCode: "CAM01"})
	require.NoError(t, err)
	assert.False(t, res.AccessGranted)
	assert.Equal(t, anpr.ClassBlacklisted, res.VehicleType)

	list, err := f.svc.ListBlacklist(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.svc.RemoveBlacklist(ctx, entry.ID))
	assert.ErrorIs(t, f.svc.RemoveBlacklist(ctx, 999), ErrNotFound)

	list, err = f.svc.ListBlacklist(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.svc.AddBlacklist(ctx, " ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	f.sync.Stop()
}
