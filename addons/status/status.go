// SPDX-License-Identifier: GPL-2.0-or-later

// Package status serves system resource usage.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sensormux"
	"sensormux/pkg/log"
	"sensormux/pkg/pipeline"
	"sensormux/pkg/storage"
	"sensormux/pkg/web/auth"

	"github.com/denisbrodbeck/machineid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func init() {
	var addon struct {
		log      *log.Logger
		storage  *storage.Manager
		auth     auth.Authenticator
		pipeline *pipeline.Multiplexer
		sys      *system
	}
	// Routes are registered before the app runs.
	addon.sys = &system{}

	sensormux.RegisterLogHook(func(l *log.Logger) {
		addon.log = l
	})

	sensormux.RegisterStorageHook(func(s *storage.Manager) {
		addon.storage = s
	})

	sensormux.RegisterAuthHook(func(a auth.Authenticator) {
		addon.auth = a
	})

	sensormux.RegisterPipelineHook(func(m *pipeline.Multiplexer) {
		addon.pipeline = m
	})

	sensormux.RegisterAppRunHook(func(ctx context.Context) error {
		addon.sys.init(addon.storage.DiskUsage, addon.pipeline.Stats, addon.log)
		go addon.sys.StatusLoop(ctx)
		return nil
	})

	sensormux.RegisterMuxHook(func(mux *http.ServeMux) {
		mux.Handle("/api/system/status", addon.auth.User(handleStatus(addon.sys)))
	})
}

type status struct {
	DeviceID string `json:"deviceId"`

	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`

	// Records per second since the previous update.
	RecordRate float64 `json:"recordRate"`
	Drops      uint64  `json:"drops"`
}

type (
	cpuFunc   func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc   func() (*mem.VirtualMemoryStat, error)
	diskFunc  func(time.Duration) (storage.DiskUsage, error)
	statsFunc func() pipeline.Stats
)

type system struct {
	cpu   cpuFunc
	ram   ramFunc
	disk  diskFunc
	stats statsFunc

	deviceID    string
	status      status
	lastRecords uint64
	lastUpdate  time.Time
	duration    time.Duration

	log *log.Logger
	mu  sync.Mutex
}

func (s *system) init(disk diskFunc, stats statsFunc, log *log.Logger) {
	s.cpu = cpu.PercentWithContext
	s.ram = mem.VirtualMemory
	s.disk = disk
	s.stats = stats
	s.duration = 10 * time.Second
	s.log = log

	id, err := machineid.ProtectedID("sensormux")
	if err != nil {
		log.Warn().Src("app").Msgf("could not get device id: %v", err)
	}
	s.deviceID = id
}

func (s *system) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage %w", err)
	}
	diskUsage, err := s.disk(5 * time.Minute)
	if err != nil {
		return fmt.Errorf("could not get disk usage %w", err)
	}
	stats := s.stats()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var rate float64
	if !s.lastUpdate.IsZero() {
		elapsed := now.Sub(s.lastUpdate).Seconds()
		if elapsed > 0 && stats.Records() >= s.lastRecords {
			rate = float64(stats.Records()-s.lastRecords) / elapsed
		}
	}
	s.lastRecords = stats.Records()
	s.lastUpdate = now

	var cpuPercent int
	if len(cpuUsage) != 0 {
		cpuPercent = int(cpuUsage[0])
	}
	s.status = status{
		DeviceID:           s.deviceID,
		CPUUsage:           cpuPercent,
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
		RecordRate:         rate,
		Drops:              stats.Drops,
	}
	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *system) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Src("app").Msgf("could not update system status: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(s.duration):
			}
		}
	}
}

func (s *system) getStatus() status {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.status
}

func handleStatus(sys *system) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sys.getStatus()); err != nil {
			http.Error(w, "could not encode json", http.StatusInternalServerError)
		}
	})
}
