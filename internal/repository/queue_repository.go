package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type QueueRepository struct {
	db *gorm.DB
}

func NewQueueRepository(db *gorm.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) Insert(ctx context.Context, kind string, payload []byte) (*QueueItem, error) {
	item := QueueItem{
		QueueType: kind,
		Payload:   datatypes.JSON(payload),
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// Pending returns items below the retry ceiling, oldest first. An empty kind
// matches every kind.
func (r *QueueRepository) Pending(ctx context.Context, kind string, ceiling, limit int) ([]QueueItem, error) {
	query := r.db.WithContext(ctx).Where("retries < ?", ceiling)
	if kind != "" {
		query = query.Where("queue_type = ?", kind)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var items []QueueItem
	err := query.Order("created_at, id").Find(&items).Error
	return items, err
}

func (r *QueueRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&QueueItem{}, id).Error
}

func (r *QueueRepository) IncrementRetry(ctx context.Context, id int64, lastError string) error {
	res := r.db.WithContext(ctx).
		Model(&QueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retries":    gorm.Expr("retries + 1"),
			"last_error": lastError,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *QueueRepository) Get(ctx context.Context, id int64) (*QueueItem, error) {
	var item QueueItem
	if err := r.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *QueueRepository) CountBelow(ctx context.Context, ceiling int) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&QueueItem{}).Where("retries < ?", ceiling).Count(&n).Error
	return n, err
}

func (r *QueueRepository) CountAtOrAbove(ctx context.Context, ceiling int) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&QueueItem{}).Where("retries >= ?", ceiling).Count(&n).Error
	return n, err
}

func (r *QueueRepository) List(ctx context.Context, kind string, limit int) ([]QueueItem, error) {
	query := r.db.WithContext(ctx)
	if kind != "" {
		query = query.Where("queue_type = ?", kind)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []QueueItem
	err := query.Order("created_at, id").Limit(limit).Find(&items).Error
	return items, err
}
