package db

import (
	"fmt"

	"gorm.io/gorm"

	"gate-controller/internal/repository"
)

var models = []interface{}{
	&repository.Setting{},
	&repository.Vehicle{},
	&repository.BlacklistEntry{},
	&repository.Location{},
	&repository.AnprCamera{},
	&repository.BarrierMapping{},
	&repository.AccessLog{},
	&repository.QueueItem{},
}

// Indexes gorm tags cannot express portably across SQLite and Postgres.
var migrationStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_vehicles_plate_active ON vehicles(plate, active);`,
	`CREATE INDEX IF NOT EXISTS idx_blacklist_plate_active ON blacklist(plate, active);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_cameras_reg_code_active ON anpr_cameras(reg_code, active);`,
	`CREATE INDEX IF NOT EXISTS idx_barrier_mappings_camera_ip ON barrier_mappings(camera_ip);`,
	`CREATE INDEX IF NOT EXISTS idx_access_logs_logged_at ON access_logs(logged_at);`,
	`CREATE INDEX IF NOT EXISTS idx_access_logs_odoo_synced ON access_logs(odoo_synced);`,
	`CREATE INDEX IF NOT EXISTS idx_upload_queue_pending ON upload_queue(queue_type, retries, created_at);`,
}

func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migration failed: %w", err)
	}
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
