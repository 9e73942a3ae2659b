package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"gate-controller/internal/domain/anpr"
)

type AccessLogRepository struct {
	db *gorm.DB
}

func NewAccessLogRepository(db *gorm.DB) *AccessLogRepository {
	return &AccessLogRepository{db: db}
}

func (r *AccessLogRepository) Create(ctx context.Context, entry *AccessLog) error {
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AccessLogRepository) GetByID(ctx context.Context, id int64) (*AccessLog, error) {
	var entry AccessLog
	err := r.db.WithContext(ctx).First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkSynced records the remote id of a pushed log entry.
func (r *AccessLogRepository) MarkSynced(ctx context.Context, id, remoteID int64) error {
	return r.db.WithContext(ctx).
		Model(&AccessLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"odoo_synced": 1,
			"odoo_log_id": remoteID,
		}).Error
}

func (r *AccessLogRepository) UpdateStorageURL(ctx context.Context, id int64, url string) error {
	return r.db.WithContext(ctx).
		Model(&AccessLog{}).
		Where("id = ?", id).
		Update("storage_url", url).Error
}

func (r *AccessLogRepository) Recent(ctx context.Context, limit int) ([]AccessLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var logs []AccessLog
	err := r.db.WithContext(ctx).Order("logged_at DESC, id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

func (r *AccessLogRepository) CountUnsynced(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&AccessLog{}).Where("odoo_synced = ?", 0).Count(&n).Error
	return n, err
}

// StatsForDay aggregates the access log over the local calendar day of day.
func (r *AccessLogRepository) StatsForDay(ctx context.Context, day time.Time) (anpr.DailyStats, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	var row struct {
		Total       int64
		Granted     int64
		Denied      int64
		Residents   int64
		Unknown     int64
		Blacklisted int64
	}
	err := r.db.WithContext(ctx).
		Model(&AccessLog{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN access_granted THEN 1 ELSE 0 END), 0) AS granted,
			COALESCE(SUM(CASE WHEN access_granted THEN 0 ELSE 1 END), 0) AS denied,
			COALESCE(SUM(CASE WHEN vehicle_type = ? THEN 1 ELSE 0 END), 0) AS residents,
			COALESCE(SUM(CASE WHEN vehicle_type = ? THEN 1 ELSE 0 END), 0) AS unknown,
			COALESCE(SUM(CASE WHEN vehicle_type = ? THEN 1 ELSE 0 END), 0) AS blacklisted`,
			string(anpr.ClassResident), string(anpr.ClassUnknown), string(anpr.ClassBlacklisted)).
		Where("logged_at >= ? AND logged_at < ?", start, end).
		Scan(&row).Error
	if err != nil {
		return anpr.DailyStats{}, err
	}

	return anpr.DailyStats{
		Total:       row.Total,
		Granted:     row.Granted,
		Denied:      row.Denied,
		Residents:   row.Residents,
		Unknown:     row.Unknown,
		Blacklisted: row.Blacklisted,
	}, nil
}
