package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type BlacklistRepository struct {
	db *gorm.DB
}

func NewBlacklistRepository(db *gorm.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// FindActive returns the active entry for plate that has not expired at the
// given instant, or nil, nil.
func (r *BlacklistRepository) FindActive(ctx context.Context, plate string, at time.Time) (*BlacklistEntry, error) {
	var e BlacklistEntry
	err := r.db.WithContext(ctx).
		Where("plate = ? AND active = ?", plate, true).
		Where("(expires_at IS NULL OR expires_at > ?)", at).
		Order("id").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *BlacklistRepository) Add(ctx context.Context, plate, reason string, expiresAt *time.Time) (*BlacklistEntry, error) {
	e := BlacklistEntry{
		Plate:     plate,
		Reason:    strPtr(reason),
		ExpiresAt: expiresAt,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *BlacklistRepository) Deactivate(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Model(&BlacklistEntry{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *BlacklistRepository) List(ctx context.Context) ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("plate").Find(&entries).Error
	return entries, err
}
