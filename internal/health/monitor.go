// Package health runs periodic self-checks of the daemon: free space where
// the usage database lives and a status snapshot of devices and queues.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/pspdrp/companion/internal/session"
	"github.com/pspdrp/companion/internal/util"
)

// Devices lists live sessions.
type Devices interface {
	List() []session.Info
}

// Queue reports outbound commands waiting to be sent.
type Queue interface {
	Pending() int
}

// Status is a point-in-time summary of the daemon.
type Status struct {
	Devices         int       `json:"devices"`
	Persistent      int       `json:"persistent"`
	Playing         int       `json:"playing"`
	PendingCommands int       `json:"pending_commands"`
	Uptime          int64     `json:"uptime_seconds"`
	At              time.Time `json:"at"`
}

// DiskReport is the outcome of a disk check.
type DiskReport struct {
	Path        string  `json:"path"`
	TotalMB     uint64  `json:"total_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
	Level       string  `json:"level,omitempty"`
}

// UsageFunc reads disk usage of a path. Replaced in tests.
type UsageFunc func(path string) (*disk.UsageStat, error)

// Monitor gathers Status and DiskReport values.
type Monitor struct {
	devices  Devices
	queue    Queue
	dataDir  string
	started  time.Time
	now      func() time.Time
	usage    UsageFunc
	logger   zerolog.Logger
	lastDisk string
}

// NewMonitor creates a monitor. dataDir is where the usage database lives;
// empty disables the disk check. queue may be nil.
func NewMonitor(devices Devices, queue Queue, dataDir string) *Monitor {
	return &Monitor{
		devices: devices,
		queue:   queue,
		dataDir: dataDir,
		started: time.Now(),
		now:     time.Now,
		usage:   disk.Usage,
		logger:  util.ComponentLogger("health"),
	}
}

// Snapshot summarizes live sessions and the command queue.
func (m *Monitor) Snapshot() Status {
	now := m.now()
	st := Status{
		Uptime: int64(now.Sub(m.started).Seconds()),
		At:     now.UTC(),
	}
	for _, d := range m.devices.List() {
		st.Devices++
		if d.State == session.StatePersistent {
			st.Persistent++
		}
		if d.CurrentGame != nil {
			st.Playing++
		}
	}
	if m.queue != nil {
		st.PendingCommands = m.queue.Pending()
	}
	return st
}

// CheckGeneral logs the snapshot and returns it.
func (m *Monitor) CheckGeneral(ctx context.Context) Status {
	st := m.Snapshot()
	m.logger.Debug().
		Int("devices", st.Devices).
		Int("playing", st.Playing).
		Int("pending_commands", st.PendingCommands).
		Msg("general health")
	if st.PendingCommands > 0 && st.Devices == 0 {
		m.logger.Warn().Int("pending_commands", st.PendingCommands).Msg("commands queued with no device connected")
	}
	return st
}

// diskLevel maps a used percentage onto an alert level, empty below 80%.
func diskLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 99:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	default:
		return ""
	}
}

// CheckDisk reports free space on the volume holding the usage database. A
// level change is logged once rather than on every check.
func (m *Monitor) CheckDisk(ctx context.Context) (DiskReport, error) {
	if m.dataDir == "" {
		return DiskReport{}, fmt.Errorf("no data directory configured")
	}
	usage, err := m.usage(m.dataDir)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.dataDir).Msg("disk utilization check failed")
		return DiskReport{}, err
	}

	report := DiskReport{
		Path:        m.dataDir,
		TotalMB:     usage.Total / (1024 * 1024),
		FreeMB:      usage.Free / (1024 * 1024),
		UsedPercent: usage.UsedPercent,
		Level:       diskLevel(usage.UsedPercent),
	}

	if report.Level != m.lastDisk {
		if report.Level != "" {
			m.logger.Warn().
				Str("level", report.Level).
				Str("path", report.Path).
				Msg(fmt.Sprintf("disk usage at %.1f%% (%d MB free)", report.UsedPercent, report.FreeMB))
		} else if m.lastDisk != "" {
			m.logger.Info().Str("path", report.Path).Msg("disk usage back to normal")
		}
		m.lastDisk = report.Level
	}
	return report, nil
}
