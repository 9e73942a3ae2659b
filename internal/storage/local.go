// Package storage keeps detection images on local disk and forwards them to
// an S3-compatible object store when one is configured.
package storage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Image kinds, used in file names and object keys.
const (
	KindPlate   = "plate"
	KindVehicle = "vehicle"
)

// Local writes images under dir/YYYYMMDD/. Paths handed out are relative to
// dir and use forward slashes so they can be served under /images.
type Local struct {
	dir string
	now func() time.Time
}

func NewLocal(dir string) *Local {
	return &Local{dir: dir, now: time.Now}
}

func (l *Local) Dir() string {
	return l.dir
}

// Save writes data and returns its relative path.
func (l *Local) Save(data []byte, kind string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty %s image", kind)
	}
	day := l.now().Format("20060102")
	if err := os.MkdirAll(filepath.Join(l.dir, day), 0o755); err != nil {
		return "", fmt.Errorf("failed to create image dir: %w", err)
	}
	rel := path.Join(day, fmt.Sprintf("%s_%s.jpg", uuid.NewString(), kind))
	if err := os.WriteFile(l.Path(rel), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return rel, nil
}

// Path resolves a relative image path. Paths escaping dir are clamped to it.
func (l *Local) Path(rel string) string {
	clean := path.Clean("/" + strings.ReplaceAll(rel, "\\", "/"))
	return filepath.Join(l.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

func (l *Local) Read(rel string) ([]byte, error) {
	return os.ReadFile(l.Path(rel))
}

func (l *Local) Remove(rel string) error {
	err := os.Remove(l.Path(rel))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PublicPath is the URL path the HTTP layer serves rel under.
func PublicPath(rel string) string {
	return "/images/" + strings.TrimPrefix(rel, "/")
}
