package anpr

import (
	"time"
)

type Classification string

const (
	ClassResident    Classification = "resident"
	ClassUnknown     Classification = "unknown"
	ClassBlacklisted Classification = "blacklisted"
)

// Image is a single camera attachment.
type Image struct {
	Name string
	Data []byte
}

// Detection is the canonical form of a camera payload.
type Detection struct {
	Plate         string
	PlateImages   []Image
	VehicleImages []Image
}

// CameraRef identifies the camera that produced a detection. RegCode wins over
// IP whenever both are present.
type CameraRef struct {
	RegCode  string
	Password string
	IP       string
}

type VehicleInfo struct {
	Plate     string `json:"plate"`
	UnitID    *int64 `json:"unit_id,omitempty"`
	UnitName  string `json:"unit_name,omitempty"`
	OwnerName string `json:"owner_name,omitempty"`
	IUNumber  string `json:"iu_number,omitempty"`
}

type Decision struct {
	Plate          string         `json:"plate"`
	Granted        bool           `json:"access_granted"`
	Classification Classification `json:"vehicle_type"`
	Vehicle        *VehicleInfo   `json:"vehicle,omitempty"`
	Channels       []int          `json:"relay_channels"`
	Reason         string         `json:"reason,omitempty"`
}

// AccessEvent is the payload pushed to observers and, in reduced form, to the
// remote system.
type AccessEvent struct {
	ID                int64          `json:"id"`
	Plate             string         `json:"plate"`
	Timestamp         time.Time      `json:"timestamp"`
	AccessGranted     bool           `json:"access_granted"`
	VehicleType       Classification `json:"vehicle_type"`
	UnitName          string         `json:"unit_name,omitempty"`
	OwnerName         string         `json:"owner_name,omitempty"`
	ImageURL          string         `json:"image_url,omitempty"`
	CameraName        string         `json:"camera_name,omitempty"`
	CameraCode        string         `json:"camera_code,omitempty"`
	LocationID        *int64         `json:"location_id,omitempty"`
	BarriersTriggered []int          `json:"barriers_triggered"`
}

type ProcessResult struct {
	LogID         int64          `json:"log_id"`
	Plate         string         `json:"plate"`
	AccessGranted bool           `json:"access_granted"`
	VehicleType   Classification `json:"vehicle_type"`
	LocationID    *int64         `json:"location_id"`
	CameraName    *string        `json:"camera_name"`
	Channels      []int          `json:"relay_channels"`
}

type DailyStats struct {
	Total       int64 `json:"total"`
	Granted     int64 `json:"granted"`
	Denied      int64 `json:"denied"`
	Residents   int64 `json:"residents"`
	Unknown     int64 `json:"unknown"`
	Blacklisted int64 `json:"blacklisted"`
}
