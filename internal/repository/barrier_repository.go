package repository

import (
	"context"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BarrierRepository struct {
	db *gorm.DB
}

func NewBarrierRepository(db *gorm.DB) *BarrierRepository {
	return &BarrierRepository{db: db}
}

func (r *BarrierRepository) FindByCameraIP(ctx context.Context, ip string) (*BarrierMapping, error) {
	if ip == "" {
		return nil, nil
	}
	var m BarrierMapping
	err := r.db.WithContext(ctx).
		Where("camera_ip = ? AND active = ?", ip, true).
		Order("id").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *BarrierRepository) Create(ctx context.Context, ip, name string, channels []int, direction string) (*BarrierMapping, error) {
	if direction == "" {
		direction = "both"
	}
	m := BarrierMapping{
		CameraIP:      ip,
		CameraName:    strPtr(name),
		RelayChannels: datatypes.JSONSlice[int](channels),
		Direction:     direction,
		Active:        true,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *BarrierRepository) List(ctx context.Context) ([]BarrierMapping, error) {
	var ms []BarrierMapping
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("camera_ip").Find(&ms).Error
	return ms, err
}
