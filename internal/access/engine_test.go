package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/repository"
)

type fakeStore struct {
	vehicles  map[string]*repository.Vehicle
	blacklist map[string]*repository.BlacklistEntry
	cameras   map[string]*repository.AnprCamera
	barriers  map[string]*repository.BarrierMapping
	err       error
}

func (f *fakeStore) FindByPlate(_ context.Context, plate string) (*repository.Vehicle, error) {
	return f.vehicles[plate], f.err
}

func (f *fakeStore) FindActive(_ context.Context, plate string, at time.Time) (*repository.BlacklistEntry, error) {
	e := f.blacklist[plate]
	if e == nil || (e.ExpiresAt != nil && !e.ExpiresAt.After(at)) {
		return nil, nil
	}
	return e, nil
}

func (f *fakeStore) FindByRegCode(_ context.Context, code string) (*repository.AnprCamera, error) {
	return f.cameras[code], nil
}

func (f *fakeStore) FindByCameraIP(_ context.Context, ip string) (*repository.BarrierMapping, error) {
	return f.barriers[ip], nil
}

func date(y int, m time.Month, d int) *datatypes.Date {
	v := datatypes.Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	return &v
}

func str(s string) *string { return &s }

func newEngine(store *fakeStore, now time.Time) *Engine {
	return NewEngine(store, store, store, store, zerolog.Nop()).WithClock(func() time.Time { return now })
}

func baseStore() *fakeStore {
	return &fakeStore{
		vehicles: map[string]*repository.Vehicle{
			"XE5839D": {
				Plate: "XE5839D", Active: true, UnitName: str("#05-12"), OwnerName: str("Tan"),
				ValidFrom: date(2026, 1, 1), ValidTo: date(2026, 12, 31),
			},
			"SBA1234A": {Plate: "SBA1234A", Active: true, ValidTo: date(2026, 3, 1)},
			"GBC9Z":    {Plate: "GBC9Z", Active: false},
		},
		blacklist: map[string]*repository.BlacklistEntry{},
		cameras: map[string]*repository.AnprCamera{
			"CAM01": {RegCode: str("CAM01"), RelayChannels: datatypes.JSONSlice[int]{3}},
			"CAM02": {RegCode: str("CAM02")},
		},
		barriers: map[string]*repository.BarrierMapping{
			"10.0.0.21": {CameraIP: "10.0.0.21", RelayChannels: datatypes.JSONSlice[int]{1, 2}},
		},
	}
}

var today = time.Date(2026, 10, 17, 9, 30, 0, 0, time.Local)

func TestDecide_ResidentOpensCameraChannels(t *testing.T) {
	e := newEngine(baseStore(), today)

	d, err := e.Decide(context.Background(), "xe 5839-d", anpr.CameraRef{RegCode: "CAM01", IP: "10.0.0.21"})
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, anpr.ClassResident, d.Classification)
	assert.Equal(t, "XE5839D", d.Plate)
	assert.Equal(t, []int{3}, d.Channels)
	require.NotNil(t, d.Vehicle)
	assert.Equal(t, "Tan", d.Vehicle.OwnerName)
}

func TestDecide_FallsBackToLegacyMapping(t *testing.T) {
	e := newEngine(baseStore(), today)

	d, err := e.Decide(context.Background(), "XE5839D", anpr.CameraRef{RegCode: "CAM02", IP: "10.0.0.21"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, d.Channels)
}

func TestDecide_UnmappedCameraGrantsWithoutChannels(t *testing.T) {
	e := newEngine(baseStore(), today)

	d, err := e.Decide(context.Background(), "XE5839D", anpr.CameraRef{IP: "10.9.9.9"})
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Empty(t, d.Channels)
}

func TestDecide_Denials(t *testing.T) {
	store := baseStore()
	store.blacklist["XE5839D"] = &repository.BlacklistEntry{Plate: "XE5839D", Reason: str("stolen"), Active: true}
	past := today.Add(-time.Hour)
	store.blacklist["SBA1234A"] = &repository.BlacklistEntry{Plate: "SBA1234A", ExpiresAt: &past, Active: true}
	e := newEngine(store, today)

	tests := []struct {
		name   string
		plate  string
		class  anpr.Classification
		reason string
	}{
		{"blacklist wins over registration", "XE5839D", anpr.ClassBlacklisted, "stolen"},
		{"expired blacklist ignored but registration expired", "SBA1234A", anpr.ClassUnknown, "expired or inactive"},
		{"inactive vehicle", "GBC9Z", anpr.ClassUnknown, "expired or inactive"},
		{"unknown plate", "ZZ999", anpr.ClassUnknown, "not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Decide(context.Background(), tt.plate, anpr.CameraRef{RegCode: "CAM01"})
			require.NoError(t, err)
			assert.False(t, d.Granted)
			assert.Equal(t, tt.class, d.Classification)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Empty(t, d.Channels)
			assert.Nil(t, d.Vehicle)
		})
	}
}

func TestDecide_EmptyPlate(t *testing.T) {
	e := newEngine(baseStore(), today)
	_, err := e.Decide(context.Background(), " -- ", anpr.CameraRef{})
	assert.ErrorIs(t, err, ErrInvalidPlate)
}

func TestDecide_LookupErrorPropagates(t *testing.T) {
	store := baseStore()
	store.err = errors.New("database is locked")
	e := newEngine(store, today)
	_, err := e.Decide(context.Background(), "XE5839D", anpr.CameraRef{})
	assert.ErrorContains(t, err, "database is locked")
}

func TestIsValid_WindowIsInclusiveByDay(t *testing.T) {
	v := &repository.Vehicle{Active: true, ValidFrom: date(2026, 10, 17), ValidTo: date(2026, 10, 17)}
	assert.True(t, IsValid(v, time.Date(2026, 10, 17, 0, 0, 1, 0, time.Local)))
	assert.True(t, IsValid(v, time.Date(2026, 10, 17, 23, 59, 0, 0, time.Local)))
	assert.False(t, IsValid(v, time.Date(2026, 10, 18, 0, 0, 1, 0, time.Local)))
	assert.False(t, IsValid(v, time.Date(2026, 10, 16, 23, 59, 0, 0, time.Local)))
	assert.True(t, IsValid(&repository.Vehicle{Active: true}, today))
	assert.False(t, IsValid(nil, today))
}

func TestCheckPlate(t *testing.T) {
	e := newEngine(baseStore(), today)
	ctx := context.Background()

	pc, err := e.CheckPlate(ctx, "xe5839d")
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.True(t, pc.Valid)

	pc, err = e.CheckPlate(ctx, "GBC9Z")
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.False(t, pc.Valid)
	assert.Equal(t, "Expired or inactive", pc.Reason)

	pc, err = e.CheckPlate(ctx, "NOPE1")
	require.NoError(t, err)
	assert.Nil(t, pc)
}
