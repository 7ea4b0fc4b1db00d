// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package monitor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/store"
)

type capturePub struct {
	mu     sync.Mutex
	topics []string
	bodies []any
}

func (p *capturePub) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, payload)
	return nil
}

func (p *capturePub) published(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for i, t := range p.topics {
		if t == topic {
			out = append(out, p.bodies[i])
		}
	}
	return out
}

type fixedSampler struct {
	sample Sample
	err    error
}

func (s *fixedSampler) Sample(context.Context) (Sample, error) { return s.sample, s.err }

func testMonitor(t *testing.T, cfg config.MonitorConfig) (*Monitor, *store.Registry, *capturePub) {
	t.Helper()
	logger := logging.NewTestLogger(io.Discard)
	reg, err := store.OpenRegistry(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	pub := &capturePub{}
	m := New(cfg, reg, "ffmpeg", t.TempDir(), pub, logger)
	return m, reg, pub
}

func healthyThresholds() config.MonitorConfig {
	return config.MonitorConfig{
		HealthInterval:      30 * time.Second,
		SampleInterval:      30 * time.Second,
		AlertHistory:        4,
		CPUWarning:          80,
		CPUCritical:         95,
		MemoryWarning:       80,
		MemoryCritical:      95,
		DiskWarning:         85,
		DiskCritical:        95,
		TemperatureWarning:  75,
		TemperatureCritical: 90,
		ProcessWarning:      800,
		ProcessCritical:     1000,
	}
}

func TestCheckHealthReportsDeadWorker(t *testing.T) {
	m, reg, pub := testMonitor(t, healthyThresholds())
	if err := reg.Put(&models.StreamRecord{
		ID: "s1", State: models.StateRunning, ProcessID: 1<<22 + 777,
	}); err != nil {
		t.Fatal(err)
	}

	m.CheckHealth(context.Background())

	dead := pub.published(bus.TopicProcessDead)
	if len(dead) != 1 {
		t.Fatalf("dead signals = %d, want 1", len(dead))
	}
	sig := dead[0].(bus.DeadProcessDetected)
	if sig.StreamID != "s1" || sig.ProcessID != 1<<22+777 {
		t.Errorf("unexpected signal %+v", sig)
	}

	// The monitor reports; it never rewrites the record's state.
	rec, _ := reg.Get("s1")
	if rec.State != models.StateRunning {
		t.Error("monitor must not mutate record state")
	}
}

func TestCheckHealthKeepsAliveWorker(t *testing.T) {
	m, reg, pub := testMonitor(t, healthyThresholds())
	m.alive = func(int, string) bool { return true }
	if err := reg.Put(&models.StreamRecord{
		ID: "s1", State: models.StateRunning, ProcessID: 4242,
	}); err != nil {
		t.Fatal(err)
	}

	m.CheckHealth(context.Background())

	if len(pub.published(bus.TopicProcessDead)) != 0 {
		t.Error("alive worker reported dead")
	}
	rec, _ := reg.Get("s1")
	if rec.LastHealthCheckAt.IsZero() {
		t.Error("check timestamp not persisted")
	}
}

func TestCheckHealthNeverResurrectsDeletedRecord(t *testing.T) {
	m, reg, _ := testMonitor(t, healthyThresholds())
	checking := make(chan struct{})
	release := make(chan struct{})
	m.alive = func(int, string) bool {
		close(checking)
		<-release
		return true
	}
	if err := reg.Put(&models.StreamRecord{
		ID: "s1", State: models.StateRunning, ProcessID: 4242,
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.CheckHealth(context.Background())
	}()

	// A deliberate stop removes the record while the liveness check is
	// still in flight; the timestamp write must not bring it back.
	<-checking
	if err := reg.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-done

	if rec, ok := reg.Get("s1"); ok {
		t.Errorf("deleted record written back by the health check: %+v", rec)
	}
}

func TestCheckHealthSkipsRecentlyChecked(t *testing.T) {
	m, reg, pub := testMonitor(t, healthyThresholds())
	checked := 0
	m.alive = func(int, string) bool { checked++; return true }
	if err := reg.Put(&models.StreamRecord{
		ID: "s1", State: models.StateRunning, ProcessID: 4242,
		LastHealthCheckAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	m.CheckHealth(context.Background())

	if checked != 0 {
		t.Error("recently checked record validated again")
	}
	if len(pub.published(bus.TopicProcessDead)) != 0 {
		t.Error("unexpected dead signal")
	}
}

func TestCheckHealthIgnoresNonRunning(t *testing.T) {
	m, reg, pub := testMonitor(t, healthyThresholds())
	for _, rec := range []*models.StreamRecord{
		{ID: "pending", State: models.StatePending},
		{ID: "retrying", State: models.StateRetrying},
	} {
		if err := reg.Put(rec); err != nil {
			t.Fatal(err)
		}
	}

	m.CheckHealth(context.Background())

	if len(pub.published(bus.TopicProcessDead)) != 0 {
		t.Error("non-running records must not be liveness checked")
	}
}

func TestSampleResourcesRaisesAlerts(t *testing.T) {
	m, _, pub := testMonitor(t, healthyThresholds())
	m.renice = func(int) error { return nil }
	m.sampler = &fixedSampler{sample: Sample{
		CPUPercent:    97, // critical
		MemoryPercent: 85, // warning
		DiskPercent:   50, // fine
		TemperatureC:  80, // warning
		ProcessCount:  100,
	}}

	m.SampleResources(context.Background())

	alerts := m.Alerts()
	if len(alerts) != 3 {
		t.Fatalf("alerts = %d, want 3: %+v", len(alerts), alerts)
	}

	byType := make(map[models.AlertType]models.ResourceAlert)
	for _, a := range alerts {
		byType[a.Type] = a
	}
	if byType[models.AlertCPU].Level != models.AlertCritical {
		t.Errorf("cpu level = %s, want critical", byType[models.AlertCPU].Level)
	}
	if byType[models.AlertMemory].Level != models.AlertWarning {
		t.Errorf("memory level = %s, want warning", byType[models.AlertMemory].Level)
	}
	if byType[models.AlertTemperature].Level != models.AlertWarning {
		t.Errorf("temperature level = %s, want warning", byType[models.AlertTemperature].Level)
	}

	if got := len(pub.published(bus.TopicResourceAlert)); got != 3 {
		t.Errorf("published alerts = %d, want 3", got)
	}
}

func TestSampleResourcesQuietHost(t *testing.T) {
	m, _, pub := testMonitor(t, healthyThresholds())
	m.sampler = &fixedSampler{sample: Sample{
		CPUPercent:    10,
		MemoryPercent: 20,
		DiskPercent:   30,
		ProcessCount:  100,
	}}

	m.SampleResources(context.Background())

	if len(m.Alerts()) != 0 {
		t.Errorf("unexpected alerts: %+v", m.Alerts())
	}
	if len(pub.published(bus.TopicResourceAlert)) != 0 {
		t.Error("alerts published for a quiet host")
	}
}

func TestAlertHistoryIsBounded(t *testing.T) {
	m, _, _ := testMonitor(t, healthyThresholds())
	m.renice = func(int) error { return nil }
	m.sampler = &fixedSampler{sample: Sample{CPUPercent: 97, MemoryPercent: 97}}

	for range 10 {
		m.SampleResources(context.Background())
	}

	if got := len(m.Alerts()); got != 4 {
		t.Errorf("history length = %d, want ring cap 4", got)
	}
}

func TestCriticalCPUDeprioritizesWorkers(t *testing.T) {
	m, reg, _ := testMonitor(t, healthyThresholds())
	var reniced []int
	m.renice = func(pid int) error { reniced = append(reniced, pid); return nil }
	m.sampler = &fixedSampler{sample: Sample{CPUPercent: 99}}

	if err := reg.Put(&models.StreamRecord{ID: "s1", State: models.StateRunning, ProcessID: 111}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Put(&models.StreamRecord{ID: "s2", State: models.StatePending}); err != nil {
		t.Fatal(err)
	}

	m.SampleResources(context.Background())

	if len(reniced) != 1 || reniced[0] != 111 {
		t.Errorf("reniced = %v, want [111]", reniced)
	}
	if _, ok := reg.Get("s1"); !ok {
		t.Error("remediation must never remove records")
	}
}
