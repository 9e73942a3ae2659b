package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type VehicleRepository struct {
	db *gorm.DB
}

func NewVehicleRepository(db *gorm.DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// VehicleRecord is a remote vehicle in local shape, input to ReplaceAll.
type VehicleRecord struct {
	OdooID    int64
	Plate     string
	IUNumber  string
	UnitID    *int64
	UnitName  string
	OwnerName string
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// FindActiveByPlate looks a vehicle up by its normalized plate. It returns
// nil, nil when no active vehicle carries the plate.
func (r *VehicleRepository) FindActiveByPlate(ctx context.Context, plate string) (*Vehicle, error) {
	var v Vehicle
	err := r.db.WithContext(ctx).
		Where("plate = ? AND active = ?", plate, true).
		Order("id").
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FindByPlate returns the vehicle regardless of its active flag.
func (r *VehicleRepository) FindByPlate(ctx context.Context, plate string) (*Vehicle, error) {
	var v Vehicle
	err := r.db.WithContext(ctx).
		Where("plate = ?", plate).
		Order("active DESC, id").
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ReplaceAll deactivates every vehicle and then upserts and reactivates the
// given records by remote id, so remote deletions become local deactivations.
func (r *VehicleRepository) ReplaceAll(ctx context.Context, records []VehicleRecord) (int, error) {
	now := time.Now()
	rows := make([]Vehicle, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Vehicle{
			OdooID:    rec.OdooID,
			Plate:     rec.Plate,
			IUNumber:  strPtr(rec.IUNumber),
			UnitID:    rec.UnitID,
			UnitName:  strPtr(rec.UnitName),
			OwnerName: strPtr(rec.OwnerName),
			ValidFrom: toDate(rec.ValidFrom),
			ValidTo:   toDate(rec.ValidTo),
			Active:    true,
			SyncedAt:  &now,
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Vehicle{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "odoo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plate", "iu_number", "unit_id", "unit_name", "owner_name",
				"valid_from", "valid_to", "active", "synced_at",
			}),
		}).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *VehicleRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Vehicle{}).Where("active = ?", true).Count(&n).Error
	return n, err
}

func toDate(t *time.Time) *datatypes.Date {
	if t == nil {
		return nil
	}
	d := datatypes.Date(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC))
	return &d
}
