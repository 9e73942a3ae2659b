package storage

import (
	"context"
	"errors"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-controller/internal/config"
	"gate-controller/internal/db"
	"gate-controller/internal/queue"
	"gate-controller/internal/repository"
)

func TestLocal_SaveUnderDateDir(t *testing.T) {
	l := NewLocal(t.TempDir())
	l.now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }

	rel, err := l.Save([]byte{0xff, 0xd8}, KindPlate)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^20261017/[0-9a-f-]{36}_plate\.jpg$`), rel)

	data, err := l.Read(rel)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data)
	assert.Equal(t, "/images/"+rel, PublicPath(rel))

	require.NoError(t, l.Remove(rel))
	require.NoError(t, l.Remove(rel))
	_, err = os.Stat(l.Path(rel))
	assert.True(t, os.IsNotExist(err))
}

func TestLocal_RejectsEmptyAndClampsPaths(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	_, err := l.Save(nil, KindVehicle)
	assert.Error(t, err)
	assert.Equal(t, l.Path("etc/passwd"), l.Path("../../etc/passwd"))
}

func TestS3Store_URL(t *testing.T) {
	s, err := NewS3Store(config.S3Config{Endpoint: "https://s3.example.com/", Bucket: "snapshots", Prefix: "/anpr/", UseSSL: true})
	require.NoError(t, err)

	key := s.Key("20261017/a_plate.jpg")
	assert.Equal(t, "anpr/20261017/a_plate.jpg", key)
	assert.Equal(t, "https://s3.example.com/snapshots/anpr/20261017/a_plate.jpg", s.URL(key))

	s.publicDomain = "cdn.example.com/"
	assert.Equal(t, "https://cdn.example.com/anpr/20261017/a_plate.jpg", s.URL(key))

	_, err = NewS3Store(config.S3Config{Endpoint: "s3.example.com"})
	assert.Error(t, err)
}

type fakeStore struct {
	mu   sync.Mutex
	err  error
	keys []string
}

func (f *fakeStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type uploaderFixture struct {
	uploader *Uploader
	local    *Local
	store    *fakeStore
	queue    *queue.Queue
	disp     *queue.Dispatcher
	logs     *repository.AccessLogRepository
}

func newUploaderFixture(t *testing.T) *uploaderFixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	q := queue.New(repository.NewQueueRepository(gdb), zerolog.Nop())
	d := queue.NewDispatcher(q, zerolog.Nop())
	local := NewLocal(t.TempDir())
	store := &fakeStore{}
	logs := repository.NewAccessLogRepository(gdb)
	return &uploaderFixture{
		uploader: NewUploader(local, store, q, d, logs, zerolog.Nop()),
		local:    local,
		store:    store,
		queue:    q,
		disp:     d,
		logs:     logs,
	}
}

func TestUploader_SuccessBackfillsAndRemovesLocal(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()

	entry := &repository.AccessLog{Plate: "XE5839D", VehicleType: "resident"}
	require.NoError(t, f.logs.Create(ctx, entry))
	rel, err := f.local.Save([]byte("jpeg"), KindPlate)
	require.NoError(t, err)

	require.NoError(t, f.uploader.Schedule(ctx, entry.ID, rel, KindPlate, true))
	require.True(t, f.uploader.Wait(time.Second))

	got, err := f.logs.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StorageURL)
	assert.Equal(t, "https://cdn.example.com/"+rel, *got.StorageURL)

	_, err = os.Stat(f.local.Path(rel))
	assert.True(t, os.IsNotExist(err))

	pending, err := f.queue.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestUploader_FailureKeepsFileForRetry(t *testing.T) {
	f := newUploaderFixture(t)
	ctx := context.Background()
	f.store.setErr(errors.New("bucket unreachable"))

	rel, err := f.local.Save([]byte("jpeg"), KindVehicle)
	require.NoError(t, err)
	require.NoError(t, f.uploader.Schedule(ctx, 0, rel, KindVehicle, false))
	require.True(t, f.uploader.Wait(time.Second))

	items, err := f.queue.DequeuePending(ctx, queue.KindImageUpload, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Retries)
	_, err = os.Stat(f.local.Path(rel))
	require.NoError(t, err)

	f.store.setErr(nil)
	res, err := f.disp.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{rel}, f.store.keys)
}
