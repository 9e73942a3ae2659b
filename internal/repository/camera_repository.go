package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CameraRepository struct {
	db *gorm.DB
}

func NewCameraRepository(db *gorm.DB) *CameraRepository {
	return &CameraRepository{db: db}
}

type CameraRecord struct {
	OdooID      int64
	LocationID  *int64
	SiteID      *int64
	Name        string
	RegCode     string
	RegPassword string
}

func (r *CameraRepository) FindByRegCode(ctx context.Context, regCode string) (*AnprCamera, error) {
	if regCode == "" {
		return nil, nil
	}
	var c AnprCamera
	err := r.db.WithContext(ctx).
		Where("reg_code = ? AND active = ?", regCode, true).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CameraRepository) UpdateHeartbeat(ctx context.Context, regCode string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&AnprCamera{}).
		Where("reg_code = ? AND active = ?", regCode, true).
		Update("last_heartbeat", at).Error
}

// SetRelayChannels assigns the local relay channel set of a camera. Sync never
// overwrites it.
func (r *CameraRepository) SetRelayChannels(ctx context.Context, regCode string, channels []int) error {
	res := r.db.WithContext(ctx).
		Model(&AnprCamera{}).
		Where("reg_code = ?", regCode).
		Update("relay_channels", datatypes.JSONSlice[int](channels))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReplaceAll performs a full-replace sync of cameras keyed by remote id. Local
// relay assignments and heartbeats survive.
func (r *CameraRepository) ReplaceAll(ctx context.Context, records []CameraRecord) (int, error) {
	now := time.Now()
	rows := make([]AnprCamera, 0, len(records))
	for _, rec := range records {
		rows = append(rows, AnprCamera{
			OdooID:      rec.OdooID,
			LocationID:  rec.LocationID,
			SiteID:      rec.SiteID,
			Name:        strPtr(rec.Name),
			RegCode:     strPtr(rec.RegCode),
			RegPassword: strPtr(rec.RegPassword),
			Active:      true,
			SyncedAt:    &now,
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AnprCamera{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "odoo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"location_id", "site_id", "name", "reg_code", "reg_password", "active", "synced_at",
			}),
		}).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *CameraRepository) List(ctx context.Context) ([]AnprCamera, error) {
	var cams []AnprCamera
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("name").Find(&cams).Error
	return cams, err
}

func (r *CameraRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&AnprCamera{}).Where("active = ?", true).Count(&n).Error
	return n, err
}
