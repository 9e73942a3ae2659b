package db

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gate-controller/internal/config"
)

func TestOpenMemory_RunsEveryMigration(t *testing.T) {
	gdb, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(gdb) })

	for _, idx := range []string{"idx_access_logs_logged_at", "idx_upload_queue_pending", "idx_vehicles_plate_active"} {
		var n int64
		require.NoError(t, gdb.Raw(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, idx).Scan(&n).Error)
		assert.Equal(t, int64(1), n, idx)
	}
}

func TestOpen_MigrationsAreRepeatable(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "data", "gate.db")}

	gdb, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, Close(gdb))

	gdb, err = Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, Close(gdb))
}
