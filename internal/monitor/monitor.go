// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package monitor periodically probes worker liveness and host resource
// pressure. Dead workers are reported to the reconciler as synthetic
// messages, never handled locally; resource alerts trigger only bounded,
// best-effort remediation that never starts or stops a stream.
package monitor

import (
	"context"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/procsup"
	"github.com/streamwarden/streamwarden/internal/store"
)

// Publisher is the bus surface the monitor emits signals on.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Monitor runs the liveness and resource sampling loops.
type Monitor struct {
	cfg          config.MonitorConfig
	registry     *store.Registry
	workerBinary string
	pub          Publisher
	sampler      Sampler
	logger       zerolog.Logger

	// Seams for tests.
	alive  func(pid int, expectedExecutable string) bool
	renice func(pid int) error

	mu     sync.Mutex
	alerts []models.ResourceAlert
}

// New creates a monitor backed by the real process table and host sensors.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cfg config.MonitorConfig, registry *store.Registry, workerBinary, dataDir string, pub Publisher, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:          cfg,
		registry:     registry,
		workerBinary: workerBinary,
		pub:          pub,
		sampler:      &hostSampler{diskPath: dataDir},
		logger:       logger,
		alive:        procsup.IsAlive,
		renice: func(pid int) error {
			return syscall.Setpriority(syscall.PRIO_PROCESS, pid, 10)
		},
	}
}

// Serve runs both loops until ctx is canceled.
func (m *Monitor) Serve(ctx context.Context) error {
	health := time.NewTicker(m.cfg.HealthInterval)
	defer health.Stop()
	sample := time.NewTicker(m.cfg.SampleInterval)
	defer sample.Stop()

	m.logger.Info().
		Dur("health_interval", m.cfg.HealthInterval).
		Dur("sample_interval", m.cfg.SampleInterval).
		Msg("Monitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-health.C:
			m.CheckHealth(ctx)
		case <-sample.C:
			m.SampleResources(ctx)
		}
	}
}

// CheckHealth validates the recorded pid of every RUNNING record whose last
// check is older than the health interval. A dead pid is forwarded to the
// reconciler; the record itself is not touched beyond its check timestamp.
func (m *Monitor) CheckHealth(ctx context.Context) {
	now := time.Now().UTC()
	for _, rec := range m.registry.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if rec.State != models.StateRunning {
			continue
		}
		if !rec.LastHealthCheckAt.IsZero() && now.Sub(rec.LastHealthCheckAt) < m.cfg.HealthInterval {
			continue
		}

		if rec.ProcessID != 0 && m.alive(rec.ProcessID, m.workerBinary) {
			metrics.HealthChecks.WithLabelValues("alive").Inc()
			// Conditional write: a deliberate stop may have removed the
			// record since the snapshot, and a plain Put would re-insert it.
			if _, err := m.registry.UpdateExisting(rec.ID, func(cur *models.StreamRecord) {
				cur.LastHealthCheckAt = now
			}); err != nil {
				m.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to persist health timestamp")
			}
			continue
		}

		metrics.HealthChecks.WithLabelValues("dead").Inc()
		m.logger.Warn().
			Str("stream_id", rec.ID).
			Int("pid", rec.ProcessID).
			Msg("Worker liveness check failed")
		if err := m.pub.Publish(bus.TopicProcessDead, bus.DeadProcessDetected{
			StreamID:  rec.ID,
			ProcessID: rec.ProcessID,
			Reason:    "liveness check failed",
			At:        now,
		}); err != nil {
			m.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to publish dead-process signal")
		}
	}
}

// SampleResources samples the host and raises alerts for every threshold
// crossing. Critical alerts additionally run remediation.
func (m *Monitor) SampleResources(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Resource sampling failed")
		return
	}

	for _, alert := range m.evaluate(sample) {
		m.record(alert)
		if alert.Level == models.AlertCritical {
			m.remediate(alert)
		}
	}
}

// Alerts returns the retained alert history, oldest first.
func (m *Monitor) Alerts() []models.ResourceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ResourceAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Monitor) evaluate(s Sample) []models.ResourceAlert {
	now := time.Now().UTC()
	var alerts []models.ResourceAlert

	check := func(t models.AlertType, value, warning, critical float64) {
		var level models.AlertLevel
		var threshold float64
		switch {
		case value >= critical:
			level, threshold = models.AlertCritical, critical
		case value >= warning:
			level, threshold = models.AlertWarning, warning
		default:
			return
		}
		alerts = append(alerts, models.ResourceAlert{
			Type:      t,
			Level:     level,
			Value:     value,
			Threshold: threshold,
			Timestamp: now,
		})
	}

	check(models.AlertCPU, s.CPUPercent, m.cfg.CPUWarning, m.cfg.CPUCritical)
	check(models.AlertMemory, s.MemoryPercent, m.cfg.MemoryWarning, m.cfg.MemoryCritical)
	check(models.AlertDisk, s.DiskPercent, m.cfg.DiskWarning, m.cfg.DiskCritical)
	if s.TemperatureC > 0 {
		check(models.AlertTemperature, s.TemperatureC, m.cfg.TemperatureWarning, m.cfg.TemperatureCritical)
	}
	check(models.AlertProcessCount, float64(s.ProcessCount), float64(m.cfg.ProcessWarning), float64(m.cfg.ProcessCritical))

	return alerts
}

func (m *Monitor) record(alert models.ResourceAlert) {
	metrics.ResourceAlerts.WithLabelValues(string(alert.Type), string(alert.Level)).Inc()
	m.logger.Warn().
		Str("type", string(alert.Type)).
		Str("level", string(alert.Level)).
		Float64("value", alert.Value).
		Float64("threshold", alert.Threshold).
		Msg("Resource alert")

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.AlertHistory {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertHistory:]
	}
	m.mu.Unlock()

	if err := m.pub.Publish(bus.TopicResourceAlert, bus.ResourceAlertRaised{Alert: alert}); err != nil {
		m.logger.Error().Err(err).Msg("Failed to publish resource alert")
	}
}

// remediate applies bounded relief for critical pressure. Streams are never
// started or stopped here; only the reconciler does that.
func (m *Monitor) remediate(alert models.ResourceAlert) {
	switch alert.Type {
	case models.AlertMemory:
		debug.FreeOSMemory()
		m.logger.Info().Msg("Requested memory release")
	case models.AlertCPU:
		for _, rec := range m.registry.Snapshot() {
			if rec.State != models.StateRunning || rec.ProcessID == 0 {
				continue
			}
			if err := m.renice(rec.ProcessID); err != nil {
				m.logger.Warn().Err(err).Int("pid", rec.ProcessID).Msg("Failed to deprioritize worker")
			}
		}
		m.logger.Info().Msg("Deprioritized worker processes")
	default:
		// Disk, temperature and process-count pressure have no safe local
		// remediation; alerting is the action.
	}
}
