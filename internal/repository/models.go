package repository

import (
	"time"

	"gorm.io/datatypes"
)

type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

type Vehicle struct {
	ID        int64  `gorm:"primaryKey"`
	OdooID    int64  `gorm:"uniqueIndex"`
	Plate     string `gorm:"not null"`
	IUNumber  *string
	UnitID    *int64
	UnitName  *string
	OwnerName *string
	ValidFrom *datatypes.Date
	ValidTo   *datatypes.Date
	Active    bool `gorm:"not null"`
	SyncedAt  *time.Time
}

type BlacklistEntry struct {
	ID        int64  `gorm:"primaryKey"`
	Plate     string `gorm:"not null"`
	Reason    *string
	ExpiresAt *time.Time
	Active    bool `gorm:"not null"`
	CreatedAt time.Time
}

func (BlacklistEntry) TableName() string {
	return "blacklist"
}

type Location struct {
	ID              int64 `gorm:"primaryKey"`
	OdooID          int64 `gorm:"uniqueIndex"`
	SiteID          *int64
	Name            *string
	Code            *string
	CameraIPAddress *string
	ParentID        *int64
	Active          bool `gorm:"not null"`
	SyncedAt        *time.Time
}

type AnprCamera struct {
	ID            int64 `gorm:"primaryKey"`
	OdooID        int64 `gorm:"uniqueIndex"`
	LocationID    *int64
	SiteID        *int64
	Name          *string
	RegCode       *string
	RegPassword   *string
	IPAddress     *string
	RelayChannels datatypes.JSONSlice[int]
	LastHeartbeat *time.Time
	Active        bool `gorm:"not null"`
	SyncedAt      *time.Time
}

// DisplayName returns the camera name, falling back to its reg code.
func (c *AnprCamera) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	if c.RegCode != nil {
		return *c.RegCode
	}
	return ""
}

type BarrierMapping struct {
	ID            int64                    `gorm:"primaryKey" json:"id"`
	CameraIP      string                   `gorm:"not null" json:"camera_ip"`
	CameraName    *string                  `json:"camera_name"`
	RelayChannels datatypes.JSONSlice[int] `gorm:"not null" json:"relay_channels"`
	Direction     string                   `gorm:"not null" json:"direction"`
	LocationName  *string                  `json:"location_name"`
	LocationID    *int64                   `json:"location_id"`
	Active        bool                     `gorm:"not null" json:"active"`
}

type AccessLog struct {
	ID             int64     `gorm:"primaryKey"`
	Plate          string    `gorm:"not null"`
	CameraIP       *string
	CameraName     *string
	RegCode        *string
	LocationID     *int64
	LoggedAt       time.Time `gorm:"not null"`
	AccessGranted  bool      `gorm:"not null"`
	VehicleType    string    `gorm:"not null"`
	UnitID         *int64
	UnitName       *string
	OwnerName      *string
	IUNumber       *string
	ImagePath      *string
	StorageURL     *string
	RelayTriggered datatypes.JSONSlice[int]
	OdooSynced     int `gorm:"not null"`
	OdooLogID      *int64
}

type QueueItem struct {
	ID        int64          `gorm:"primaryKey"`
	QueueType string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
	Retries   int `gorm:"not null"`
	LastError *string
}

func (QueueItem) TableName() string {
	return "upload_queue"
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
