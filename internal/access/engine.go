// Package access decides whether a detected plate opens the gate and which
// relay channels it opens.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/repository"
	"gate-controller/internal/utils"
)

var ErrInvalidPlate = errors.New("plate is empty after normalization")

type VehicleLookup interface {
	FindByPlate(ctx context.Context, plate string) (*repository.Vehicle, error)
}

type BlacklistLookup interface {
	FindActive(ctx context.Context, plate string, at time.Time) (*repository.BlacklistEntry, error)
}

type CameraLookup interface {
	FindByRegCode(ctx context.Context, regCode string) (*repository.AnprCamera, error)
}

type BarrierLookup interface {
	FindByCameraIP(ctx context.Context, ip string) (*repository.BarrierMapping, error)
}

type Engine struct {
	vehicles  VehicleLookup
	blacklist BlacklistLookup
	cameras   CameraLookup
	barriers  BarrierLookup
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(
	vehicles VehicleLookup,
	blacklist BlacklistLookup,
	cameras CameraLookup,
	barriers BarrierLookup,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		vehicles:  vehicles,
		blacklist: blacklist,
		cameras:   cameras,
		barriers:  barriers,
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for validity windows and blacklist expiry.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Decide classifies plate and, on grant only, resolves the relay channels for
// the camera. A camera with no mapping opens nothing.
func (e *Engine) Decide(ctx context.Context, plate string, cam anpr.CameraRef) (*anpr.Decision, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return nil, ErrInvalidPlate
	}
	now := e.now()

	d := &anpr.Decision{
		Plate:          normalized,
		Classification: anpr.ClassUnknown,
		Channels:       []int{},
	}

	entry, err := e.blacklist.FindActive(ctx, normalized, now)
	if err != nil {
		return nil, fmt.Errorf("blacklist lookup failed: %w", err)
	}
	if entry != nil {
		d.Classification = anpr.ClassBlacklisted
		d.Reason = "blacklisted"
		if entry.Reason != nil && *entry.Reason != "" {
			d.Reason = *entry.Reason
		}
		e.log.Info().Str("plate", normalized).Str("reason", d.Reason).Msg("access denied, plate blacklisted")
		return d, nil
	}

	v, err := e.vehicles.FindByPlate(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("vehicle lookup failed: %w", err)
	}
	if v == nil {
		d.Reason = "not registered"
		e.log.Info().Str("plate", normalized).Msg("access denied, unknown vehicle")
		return d, nil
	}
	if !IsValid(v, now) {
		d.Reason = "expired or inactive"
		e.log.Info().Str("plate", normalized).Msg("access denied, registration not valid today")
		return d, nil
	}

	d.Granted = true
	d.Classification = anpr.ClassResident
	d.Vehicle = vehicleInfo(v)

	channels, err := e.ResolveChannels(ctx, cam)
	if err != nil {
		return nil, err
	}
	d.Channels = channels

	e.log.Info().
		Str("plate", normalized).
		Str("owner", d.Vehicle.OwnerName).
		Str("unit", d.Vehicle.UnitName).
		Ints("channels", channels).
		Msg("access granted")
	return d, nil
}

// ResolveChannels returns the camera's own relay channels, else the legacy
// IP mapping, else an empty list.
func (e *Engine) ResolveChannels(ctx context.Context, cam anpr.CameraRef) ([]int, error) {
	if cam.RegCode != "" {
		c, err := e.cameras.FindByRegCode(ctx, cam.RegCode)
		if err != nil {
			return nil, fmt.Errorf("camera lookup failed: %w", err)
		}
		if c != nil && len(c.RelayChannels) > 0 {
			return append([]int(nil), c.RelayChannels...), nil
		}
	}
	if cam.IP != "" {
		m, err := e.barriers.FindByCameraIP(ctx, cam.IP)
		if err != nil {
			return nil, fmt.Errorf("barrier mapping lookup failed: %w", err)
		}
		if m != nil && len(m.RelayChannels) > 0 {
			return append([]int(nil), m.RelayChannels...), nil
		}
	}
	return []int{}, nil
}

// PlateCheck reports a registration without actuating anything.
type PlateCheck struct {
	Plate     string `json:"plate"`
	UnitName  string `json:"unit_name,omitempty"`
	OwnerName string `json:"owner_name,omitempty"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
}

// CheckPlate returns nil, nil when no vehicle carries the plate.
func (e *Engine) CheckPlate(ctx context.Context, plate string) (*PlateCheck, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return nil, ErrInvalidPlate
	}
	v, err := e.vehicles.FindByPlate(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("vehicle lookup failed: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	info := vehicleInfo(v)
	pc := &PlateCheck{
		Plate:     v.Plate,
		UnitName:  info.UnitName,
		OwnerName: info.OwnerName,
		Valid:     IsValid(v, e.now()),
	}
	if !pc.Valid {
		pc.Reason = "Expired or inactive"
	}
	return pc, nil
}

// IsValid reports whether v is active and the calendar day of now lies within
// its validity window. Missing bounds are open.
func IsValid(v *repository.Vehicle, now time.Time) bool {
	if v == nil || !v.Active {
		return false
	}
	today := now.Format(time.DateOnly)
	if v.ValidFrom != nil && today < day(*v.ValidFrom) {
		return false
	}
	if v.ValidTo != nil && today > day(*v.ValidTo) {
		return false
	}
	return true
}

func day(d datatypes.Date) string {
	return time.Time(d).UTC().Format(time.DateOnly)
}

func vehicleInfo(v *repository.Vehicle) *anpr.VehicleInfo {
	return &anpr.VehicleInfo{
		Plate:     v.Plate,
		UnitID:    v.UnitID,
		UnitName:  deref(v.UnitName),
		OwnerName: deref(v.OwnerName),
		IUNumber:  deref(v.IUNumber),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
