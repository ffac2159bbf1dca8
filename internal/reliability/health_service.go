package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridian-am/fxhedge/internal/database"
	"github.com/meridian-am/fxhedge/internal/kv"
	"github.com/meridian-am/fxhedge/internal/resilience"
)

// HealthReport is the aggregate health snapshot served on /health.
type HealthReport struct {
	Healthy   bool              `json:"healthy"`
	Databases map[string]string `json:"databases"`
	Redis     string            `json:"redis"`
	Breakers  map[string]string `json:"breakers"`
	System    SystemStats       `json:"system"`
	CheckedAt time.Time         `json:"checked_at"`
}

// SystemStats carries host-level load figures.
type SystemStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// HealthService aggregates database pings, distributed-store connectivity,
// breaker states and host statistics.
type HealthService struct {
	databases map[string]*database.DB
	store     *kv.Store
	guards    *resilience.Registry
	dataDir   string
	log       zerolog.Logger
}

// NewHealthService creates the health service. store and guards may be nil.
func NewHealthService(databases map[string]*database.DB, store *kv.Store, guards *resilience.Registry, dataDir string, log zerolog.Logger) *HealthService {
	return &HealthService{
		databases: databases,
		store:     store,
		guards:    guards,
		dataDir:   dataDir,
		log:       log.With().Str("service", "health").Logger(),
	}
}

// Check runs the quick health pass (pings, not integrity checks).
func (h *HealthService) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Healthy:   true,
		Databases: make(map[string]string, len(h.databases)),
		Redis:     "ok",
		CheckedAt: time.Now(),
	}

	for name, db := range h.databases {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.QuickCheck(checkCtx)
		cancel()
		if err != nil {
			report.Databases[name] = err.Error()
			report.Healthy = false
		} else {
			report.Databases[name] = "ok"
		}
	}

	if h.store != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.store.Ping(checkCtx)
		cancel()
		if err != nil {
			// The KV tier degrades gracefully; report but stay healthy.
			report.Redis = err.Error()
		}
	}

	if h.guards != nil {
		report.Breakers = h.guards.States()
		for _, state := range report.Breakers {
			if state == "open" {
				report.Healthy = false
			}
		}
	}

	report.System = h.systemStats()
	return report
}

func (h *HealthService) systemStats() SystemStats {
	var stats SystemStats
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(h.dataDir); err == nil {
		stats.DiskPercent = du.UsedPercent
	}
	return stats
}
