package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LocationRepository struct {
	db *gorm.DB
}

func NewLocationRepository(db *gorm.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

type LocationRecord struct {
	OdooID          int64
	SiteID          *int64
	Name            string
	Code            string
	CameraIPAddress string
	ParentID        *int64
}

func (r *LocationRepository) ReplaceAll(ctx context.Context, records []LocationRecord) (int, error) {
	now := time.Now()
	rows := make([]Location, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Location{
			OdooID:          rec.OdooID,
			SiteID:          rec.SiteID,
			Name:            strPtr(rec.Name),
			Code:            strPtr(rec.Code),
			CameraIPAddress: strPtr(rec.CameraIPAddress),
			ParentID:        rec.ParentID,
			Active:          true,
			SyncedAt:        &now,
		})
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Location{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "odoo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"site_id", "name", "code", "camera_ip_address", "parent_id", "active", "synced_at",
			}),
		}).CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *LocationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Location{}).Where("active = ?", true).Count(&n).Error
	return n, err
}
