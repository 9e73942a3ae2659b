package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"gate-controller/internal/access"
	"gate-controller/internal/domain/anpr"
	"gate-controller/internal/realtime"
	"gate-controller/internal/relay"
	"gate-controller/internal/remotesync"
	"gate-controller/internal/repository"
	"gate-controller/internal/storage"
	"gate-controller/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type Broadcaster interface {
	BroadcastToCamera(camera string, granted bool, msg realtime.Message)
	BroadcastGlobal(msg realtime.Message)
}

type Pusher interface {
	PushAccessEventAsync(p remotesync.AccessLogPayload)
}

type ImageUploader interface {
	URL(rel string) string
	Schedule(ctx context.Context, logID int64, rel, kind string, primary bool) error
}

type Deps struct {
	Engine    *access.Engine
	Relays    *relay.Controller
	Cameras   *repository.CameraRepository
	Barriers  *repository.BarrierRepository
	Blacklist *repository.BlacklistRepository
	Logs      *repository.AccessLogRepository
	Images    *storage.Local
	// Uploads is nil when no object store is configured.
	Uploads ImageUploader
	Hub     Broadcaster
	Sync    Pusher
}

// GateService runs a detection through decision, actuation, logging and
// fan-out. The barrier is pulsed before any local write or network call.
type GateService struct {
	deps  Deps
	pulse time.Duration
	log   zerolog.Logger
	now   func() time.Time
}

func NewGateService(deps Deps, pulse time.Duration, log zerolog.Logger) *GateService {
	if pulse <= 0 {
		pulse = time.Second
	}
	return &GateService{
		deps:  deps,
		pulse: pulse,
		log:   log,
		now:   time.Now,
	}
}

type savedImage struct {
	rel  string
	kind string
}

func (s *GateService) ProcessDetection(ctx context.Context, det *anpr.Detection, cam anpr.CameraRef) (*anpr.ProcessResult, error) {
	if det == nil || utils.NormalizePlate(det.Plate) == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}

	var camera *repository.AnprCamera
	if cam.RegCode != "" {
		c, err := s.deps.Cameras.FindByRegCode(ctx, cam.RegCode)
		if err != nil {
			s.log.Error().Err(err).Str("reg_code", cam.RegCode).Msg("camera lookup failed")
		} else if c == nil {
			s.log.Warn().Str("reg_code", cam.RegCode).Msg("unknown camera code")
		} else {
			camera = c
		}
	}

	decision, err := s.deps.Engine.Decide(ctx, det.Plate, cam)
	if errors.Is(err, access.ErrInvalidPlate) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return nil, fmt.Errorf("access decision failed: %w", err)
	}

	if decision.Granted && len(decision.Channels) > 0 {
		if !s.deps.Relays.PulseMany(decision.Channels, s.pulse) {
			s.log.Error().Ints("channels", decision.Channels).Str("plate", decision.Plate).Msg("barrier pulse rejected")
		}
	}

	if camera != nil {
		if err := s.deps.Cameras.UpdateHeartbeat(ctx, cam.RegCode, s.now()); err != nil {
			s.log.Warn().Err(err).Str("reg_code", cam.RegCode).Msg("failed to update camera heartbeat")
		}
	}
	plateImages := s.saveImages(det.PlateImages, storage.KindPlate)
	vehicleImages := s.saveImages(det.VehicleImages, storage.KindVehicle)

	var locationID *int64
	var cameraName string
	if camera != nil {
		locationID = camera.LocationID
		cameraName = camera.DisplayName()
	}
	if cameraName == "" && cam.IP != "" {
		cameraName = cam.IP
		if m, err := s.deps.Barriers.FindByCameraIP(ctx, cam.IP); err == nil && m != nil && m.CameraName != nil {
			cameraName = *m.CameraName
		}
	}

	entry := &repository.AccessLog{
		Plate:          decision.Plate,
		CameraIP:       optional(cam.IP),
		CameraName:     optional(cameraName),
		RegCode:        optional(cam.RegCode),
		LocationID:     locationID,
		LoggedAt:       s.now(),
		AccessGranted:  decision.Granted,
		VehicleType:    string(decision.Classification),
		RelayTriggered: decision.Channels,
	}
	if v := decision.Vehicle; v != nil {
		entry.UnitID = v.UnitID
		entry.UnitName = optional(v.UnitName)
		entry.OwnerName = optional(v.OwnerName)
		entry.IUNumber = optional(v.IUNumber)
	}
	primary := first(plateImages, vehicleImages)
	if primary != nil {
		entry.ImagePath = &primary.rel
	}

	if err := s.deps.Logs.Create(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("plate", decision.Plate).Msg("failed to create access log")
		return nil, fmt.Errorf("failed to create access log: %w", err)
	}

	s.log.Info().
		Int64("log_id", entry.ID).
		Str("plate", decision.Plate).
		Bool("granted", decision.Granted).
		Str("vehicle_type", string(decision.Classification)).
		Str("camera", cameraName).
		Int("plate_images", len(plateImages)).
		Int("vehicle_images", len(vehicleImages)).
		Msg("processed detection")

	s.scheduleUploads(ctx, entry.ID, plateImages, vehicleImages, primary)

	event := anpr.AccessEvent{
		ID:                entry.ID,
		Plate:             decision.Plate,
		Timestamp:         entry.LoggedAt,
		AccessGranted:     decision.Granted,
		VehicleType:       decision.Classification,
		CameraName:        cameraName,
		CameraCode:        cam.RegCode,
		LocationID:        locationID,
		BarriersTriggered: decision.Channels,
	}
	if decision.Vehicle != nil {
		event.UnitName = decision.Vehicle.UnitName
		event.OwnerName = decision.Vehicle.OwnerName
	}
	if len(plateImages) > 0 {
		event.ImageURL = storage.PublicPath(plateImages[0].rel)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.BroadcastGlobal(realtime.Message{Type: realtime.TypeAccessEvent, Data: event})
		s.deps.Hub.BroadcastToCamera(cameraKey(cam), decision.Granted, realtime.Message{Type: realtime.TypeCameraEvent, Data: event})
	}

	if s.deps.Sync != nil {
		payload := remotesync.AccessLogPayload{
			LogID:         entry.ID,
			Plate:         decision.Plate,
			LoggedAt:      entry.LoggedAt,
			AccessGranted: decision.Granted,
			VehicleType:   string(decision.Classification),
			LocationID:    locationID,
		}
		if len(plateImages) > 0 {
			payload.PlateImageURL = s.imageURL(plateImages[0].rel)
		}
		if len(vehicleImages) > 0 {
			payload.VehicleImageURL = s.imageURL(vehicleImages[0].rel)
		}
		if v := decision.Vehicle; v != nil {
			payload.UnitID = v.UnitID
			payload.IUNumber = v.IUNumber
		}
		s.deps.Sync.PushAccessEventAsync(payload)
	}

	return &anpr.ProcessResult{
		LogID:         entry.ID,
		Plate:         decision.Plate,
		AccessGranted: decision.Granted,
		VehicleType:   decision.Classification,
		LocationID:    locationID,
		CameraName:    entry.CameraName,
		Channels:      decision.Channels,
	}, nil
}

func (s *GateService) saveImages(images []anpr.Image, kind string) []savedImage {
	if s.deps.Images == nil {
		return nil
	}
	out := make([]savedImage, 0, len(images))
	for _, img := range images {
		if len(img.Data) == 0 {
			continue
		}
		rel, err := s.deps.Images.Save(img.Data, kind)
		if err != nil {
			s.log.Error().Err(err).Str("file", img.Name).Msg("failed to save image")
			continue
		}
		s.log.Debug().Str("file", img.Name).Str("path", rel).Msg("saved image")
		out = append(out, savedImage{rel: rel, kind: kind})
	}
	return out
}

func (s *GateService) scheduleUploads(ctx context.Context, logID int64, plate, vehicle []savedImage, primary *savedImage) {
	if s.deps.Uploads == nil {
		return
	}
	for _, img := range append(append([]savedImage(nil), plate...), vehicle...) {
		isPrimary := primary != nil && img.rel == primary.rel
		if err := s.deps.Uploads.Schedule(ctx, logID, img.rel, img.kind, isPrimary); err != nil {
			s.log.Error().Err(err).Str("path", img.rel).Msg("failed to queue image upload")
		}
	}
}

// imageURL prefers the predicted object-store URL over the local one.
func (s *GateService) imageURL(rel string) string {
	if s.deps.Uploads != nil {
		if u := s.deps.Uploads.URL(rel); u != "" {
			return u
		}
	}
	return storage.PublicPath(rel)
}

func cameraKey(cam anpr.CameraRef) string {
	if cam.RegCode != "" {
		return cam.RegCode
	}
	return cam.IP
}

func first(groups ...[]savedImage) *savedImage {
	for _, g := range groups {
		if len(g) > 0 {
			return &g[0]
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type HeartbeatResult struct {
	CameraName string    `json:"camera_name"`
	RegCode    string    `json:"reg_code"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *GateService) Heartbeat(ctx context.Context, regCode string) (*HeartbeatResult, error) {
	if regCode == "" {
		return nil, fmt.Errorf("%w: reg_code required", ErrInvalidInput)
	}
	camera, err := s.deps.Cameras.FindByRegCode(ctx, regCode)
	if err != nil {
		return nil, fmt.Errorf("camera lookup failed: %w", err)
	}
	if camera == nil {
		s.log.Warn().Str("reg_code", regCode).Msg("heartbeat from unknown camera")
		return nil, fmt.Errorf("%w: unknown camera", ErrNotFound)
	}
	now := s.now()
	if err := s.deps.Cameras.UpdateHeartbeat(ctx, regCode, now); err != nil {
		return nil, fmt.Errorf("failed to update heartbeat: %w", err)
	}
	s.log.Debug().Str("reg_code", regCode).Str("camera", camera.DisplayName()).Msg("heartbeat received")
	return &HeartbeatResult{CameraName: camera.DisplayName(), RegCode: regCode, Timestamp: now}, nil
}

// ManualGrant pulses channels, or the mapping of cameraIP, or channel 1.
func (s *GateService) ManualGrant(ctx context.Context, cameraIP string, channels []int) ([]int, error) {
	if channels == nil {
		if cameraIP != "" {
			resolved, err := s.deps.Engine.ResolveChannels(ctx, anpr.CameraRef{IP: cameraIP})
			if err != nil {
				return nil, err
			}
			channels = resolved
		} else {
			channels = []int{1}
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no relay mapped for %s", ErrNotFound, cameraIP)
	}
	if !s.deps.Relays.PulseMany(channels, s.pulse) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, relay.ErrInvalidChannel)
	}
	s.log.Info().Ints("channels", channels).Msg("manual access granted")
	return channels, nil
}

func (s *GateService) CheckPlate(ctx context.Context, plate string) (*access.PlateCheck, error) {
	pc, err := s.deps.Engine.CheckPlate(ctx, plate)
	if errors.Is(err, access.ErrInvalidPlate) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, fmt.Errorf("%w: plate not registered", ErrNotFound)
	}
	return pc, nil
}

func (s *GateService) Stats(ctx context.Context) (anpr.DailyStats, error) {
	return s.deps.Logs.StatsForDay(ctx, s.now())
}

func (s *GateService) RecentLogs(ctx context.Context, limit int) ([]LogInfo, error) {
	logs, err := s.deps.Logs.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list access logs: %w", err)
	}
	result := make([]LogInfo, 0, len(logs))
	for _, l := range logs {
		info := LogInfo{
			ID:             l.ID,
			Plate:          l.Plate,
			CameraIP:       l.CameraIP,
			CameraName:     l.CameraName,
			RegCode:        l.RegCode,
			LocationID:     l.LocationID,
			Timestamp:      l.LoggedAt,
			AccessGranted:  l.AccessGranted,
			VehicleType:    l.VehicleType,
			UnitName:       l.UnitName,
			OwnerName:      l.OwnerName,
			StorageURL:     l.StorageURL,
			RelayTriggered: []int(l.RelayTriggered),
			Synced:         l.OdooSynced == 1,
		}
		if l.ImagePath != nil {
			u := storage.PublicPath(*l.ImagePath)
			info.ImageURL = &u
		}
		result = append(result, info)
	}
	return result, nil
}

// SetCameraRelays assigns the local relay channels of a camera.
func (s *GateService) SetCameraRelays(ctx context.Context, regCode string, channels []int) error {
	for _, ch := range channels {
		if !relay.ValidChannel(ch) {
			return fmt.Errorf("%w: relay channel %d out of range", ErrInvalidInput, ch)
		}
	}
	if channels == nil {
		channels = []int{}
	}
	err := s.deps.Cameras.SetRelayChannels(ctx, regCode, channels)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: camera %s", ErrNotFound, regCode)
	}
	if err != nil {
		return err
	}
	s.log.Info().Str("reg_code", regCode).Ints("channels", channels).Msg("camera relay channels updated")
	return nil
}

func (s *GateService) ListCameras(ctx context.Context) ([]CameraInfo, error) {
	cams, err := s.deps.Cameras.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	result := make([]CameraInfo, 0, len(cams))
	for _, c := range cams {
		channels := []int(c.RelayChannels)
		if channels == nil {
			channels = []int{}
		}
		result = append(result, CameraInfo{
			ID:            c.ID,
			Name:          c.DisplayName(),
			RegCode:       c.RegCode,
			LocationID:    c.LocationID,
			RelayChannels: channels,
			LastHeartbeat: c.LastHeartbeat,
		})
	}
	return result, nil
}

func (s *GateService) ListBarriers(ctx context.Context) ([]repository.BarrierMapping, error) {
	return s.deps.Barriers.List(ctx)
}

func (s *GateService) CreateBarrier(ctx context.Context, cameraIP, name string, channels []int, direction string) (*repository.BarrierMapping, error) {
	if cameraIP == "" {
		return nil, fmt.Errorf("%w: camera_ip is required", ErrInvalidInput)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: relay_channels is required", ErrInvalidInput)
	}
	for _, ch := range channels {
		if !relay.ValidChannel(ch) {
			return nil, fmt.Errorf("%w: relay channel %d out of range", ErrInvalidInput, ch)
		}
	}
	return s.deps.Barriers.Create(ctx, cameraIP, name, channels, direction)
}

type BlacklistInfo struct {
	ID        int64      `json:"id"`
	Plate     string     `json:"plate"`
	Reason    *string    `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func toBlacklistInfo(e repository.BlacklistEntry) BlacklistInfo {
	return BlacklistInfo{ID: e.ID, Plate: e.Plate, Reason: e.Reason, ExpiresAt: e.ExpiresAt, CreatedAt: e.CreatedAt}
}

func (s *GateService) ListBlacklist(ctx context.Context) ([]BlacklistInfo, error) {
	entries, err := s.deps.Blacklist.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist: %w", err)
	}
	result := make([]BlacklistInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, toBlacklistInfo(e))
	}
	return result, nil
}

// AddBlacklist bans a plate, stored normalized so lookups match detections.
func (s *GateService) AddBlacklist(ctx context.Context, plate, reason string, expiresAt *time.Time) (*BlacklistInfo, error) {
	normalized := utils.NormalizePlate(plate)
	if normalized == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	e, err := s.deps.Blacklist.Add(ctx, normalized, reason, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add blacklist entry: %w", err)
	}
	s.log.Info().Str("plate", normalized).Str("reason", reason).Msg("plate blacklisted")
	info := toBlacklistInfo(*e)
	return &info, nil
}

func (s *GateService) RemoveBlacklist(ctx context.Context, id int64) error {
	err := s.deps.Blacklist.Deactivate(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: blacklist entry %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	s.log.Info().Int64("id", id).Msg("blacklist entry removed")
	return nil
}

type LogInfo struct {
	ID             int64     `json:"id"`
	Plate          string    `json:"plate"`
	CameraIP       *string   `json:"camera_ip,omitempty"`
	CameraName     *string   `json:"camera_name,omitempty"`
	RegCode        *string   `json:"reg_code,omitempty"`
	LocationID     *int64    `json:"location_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	AccessGranted  bool      `json:"access_granted"`
	VehicleType    string    `json:"vehicle_type"`
	UnitName       *string   `json:"unit_name,omitempty"`
	OwnerName      *string   `json:"owner_name,omitempty"`
	ImageURL       *string   `json:"image_url,omitempty"`
	StorageURL     *string   `json:"storage_url,omitempty"`
	RelayTriggered []int     `json:"relay_triggered"`
	Synced         bool      `json:"odoo_synced"`
}

type CameraInfo struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	RegCode       *string    `json:"reg_code"`
	LocationID    *int64     `json:"location_id"`
	RelayChannels []int      `json:"relay_channels"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
}
