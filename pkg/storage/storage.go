// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage manages configuration and capture files.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sensormux/pkg/log"

	"github.com/robfig/cron/v3"
)

// CaptureExt capture file extension.
const CaptureExt = ".bin"

const captureTimeLayout = "2006-01-02-15-04-05"

// CaptureName returns the file name of a capture started at t.
func CaptureName(t time.Time) string {
	return fmt.Sprintf("%v-%03d%v",
		t.Format(captureTimeLayout), t.Nanosecond()/int(time.Millisecond), CaptureExt)
}

// Manager storage manager.
type Manager struct {
	capturesDir   string
	capturesDirFS fs.FS
	maxDiskUsage  int64
	disk          *disk
	remove        func(string) error

	logger *log.Logger
}

// NewManager returns new manager, maxDiskUsage is in GB.
func NewManager(capturesDir string, maxDiskUsage float64, logger *log.Logger) *Manager {
	capturesDirFS := os.DirFS(capturesDir)
	return &Manager{
		capturesDir:   capturesDir,
		capturesDirFS: capturesDirFS,
		maxDiskUsage:  int64(maxDiskUsage * gigabyte),
		disk:          newDisk(capturesDirFS, int64(maxDiskUsage*gigabyte)),
		remove:        os.Remove,
		logger:        logger,
	}
}

// CapturesDir Returns path to captures directory.
func (s *Manager) CapturesDir() string {
	return s.capturesDir
}

// NewCapturePath returns the path of a new capture file.
func (s *Manager) NewCapturePath(t time.Time) string {
	return filepath.Join(s.capturesDir, CaptureName(t))
}

// Captures returns the capture file names, oldest first.
func (s *Manager) Captures() ([]string, error) {
	entries, err := fs.ReadDir(s.capturesDirFS, ".")
	if err != nil {
		return nil, fmt.Errorf("read directory %v: %w", s.capturesDir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), CaptureExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	// The name is a timestamp.
	sort.Strings(names)
	return names, nil
}

// DiskUsageCached returns cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// purge deletes the oldest captures while the usage is above the limit.
// The newest capture is never deleted since it may be in use.
func (s *Manager) purge() error {
	if s.maxDiskUsage <= 0 {
		return nil
	}
	usage, err := s.DiskUsage(10 * time.Minute)
	if err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	if usage.Used <= s.maxDiskUsage {
		return nil
	}

	names, err := s.Captures()
	if err != nil {
		return err
	}

	used := usage.Used
	for i := 0; i < len(names)-1 && used > s.maxDiskUsage; i++ {
		path := filepath.Join(s.capturesDir, names[i])
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		if err := s.remove(path); err != nil {
			return fmt.Errorf("remove capture: %w", err)
		}
		s.logger.Info().Src("storage").Msgf("purged capture: %v", names[i])
		used -= info.Size()
	}
	s.disk.invalidate()
	return nil
}

// PurgeLoop purges on the cron schedule until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := s.purge(); err != nil {
			s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("purge schedule: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Only used to calculate and cache disk usage.
type disk struct {
	capturesDirFS  fs.FS
	maxDiskUsage   int64
	diskUsageBytes func(fs.FS) int64

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDisk(capturesDirFS fs.FS, maxDiskUsage int64) *disk {
	return &disk{
		capturesDirFS:  capturesDirFS,
		maxDiskUsage:   maxDiskUsage,
		diskUsageBytes: diskUsageBytes,
	}
}

func (d *disk) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()
	return d.cache, time.Since(d.lastUpdate)
}

func (d *disk) invalidate() {
	d.cacheLock.Lock()
	d.lastUpdate = time.Time{}
	d.cacheLock.Unlock()
}

// usage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (d *disk) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	updatedUsage := d.calculateDiskUsage()

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

func (d *disk) calculateDiskUsage() DiskUsage {
	used := d.diskUsageBytes(d.capturesDirFS)

	percent := 0
	if used != 0 && d.maxDiskUsage != 0 {
		percent = int((used * 100) / d.maxDiskUsage)
	}

	return DiskUsage{
		Used:      used,
		Percent:   percent,
		Max:       d.maxDiskUsage / int64(gigabyte),
		Formatted: formatDiskUsage(float64(used)),
	}
}

// DiskUsage in Bytes.
type DiskUsage struct {
	Used      int64  `json:"used"`
	Percent   int    `json:"percent"`
	Max       int64  `json:"max"`
	Formatted string `json:"formatted"`
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()
		return nil
	})
	return used
}
