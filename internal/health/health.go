// Package health samples host metrics for the system_status message.
package health

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Snapshot struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	MemoryUsedMB  uint64   `json:"memory_used_mb"`
	MemoryTotalMB uint64   `json:"memory_total_mb"`
	DiskPercent   float64  `json:"disk_percent"`
	DiskFreeGB    float64  `json:"disk_free_gb"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	UptimeSeconds uint64   `json:"uptime_seconds"`
	SampledAt     string   `json:"sampled_at"`
}

// Sampler reads host metrics. A metric that cannot be read is left zero and
// logged at debug level; Sample never fails.
type Sampler struct {
	diskPath string
	log      zerolog.Logger

	cpuPercent  func(context.Context, time.Duration, bool) ([]float64, error)
	virtualMem  func(context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage   func(context.Context, string) (*disk.UsageStat, error)
	uptime      func(context.Context) (uint64, error)
	temperature func(context.Context) ([]host.TemperatureStat, error)
}

func NewSampler(diskPath string, log zerolog.Logger) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{
		diskPath:    diskPath,
		log:         log,
		cpuPercent:  cpu.PercentWithContext,
		virtualMem:  mem.VirtualMemoryWithContext,
		diskUsage:   disk.UsageWithContext,
		uptime:      host.UptimeWithContext,
		temperature: host.SensorsTemperaturesWithContext,
	}
}

func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{SampledAt: time.Now().UTC().Format(time.RFC3339)}

	if pct, err := s.cpuPercent(ctx, 0, false); err != nil {
		s.log.Debug().Err(err).Msg("cpu sample failed")
	} else if len(pct) > 0 {
		snap.CPUPercent = round1(pct[0])
	}

	if vm, err := s.virtualMem(ctx); err != nil {
		s.log.Debug().Err(err).Msg("memory sample failed")
	} else {
		snap.MemoryPercent = round1(vm.UsedPercent)
		snap.MemoryUsedMB = vm.Used / (1 << 20)
		snap.MemoryTotalMB = vm.Total / (1 << 20)
	}

	if du, err := s.diskUsage(ctx, s.diskPath); err != nil {
		s.log.Debug().Err(err).Str("path", s.diskPath).Msg("disk sample failed")
	} else {
		snap.DiskPercent = round1(du.UsedPercent)
		snap.DiskFreeGB = round1(float64(du.Free) / (1 << 30))
	}

	if up, err := s.uptime(ctx); err == nil {
		snap.UptimeSeconds = up
	}

	// Sensor reads return partial results together with a warning error.
	temps, _ := s.temperature(ctx)
	snap.TemperatureC = cpuTemperature(temps)

	return snap
}

// cpuTemperature picks the SoC sensor when present, otherwise the first
// plausible reading.
func cpuTemperature(temps []host.TemperatureStat) *float64 {
	var fallback *float64
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		v := round1(t.Temperature)
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "soc") {
			return &v
		}
		if fallback == nil {
			fallback = &v
		}
	}
	return fallback
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
