// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package reconcile

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/store"
)

// fakeSup mimics the process supervisor's registry contract: Start records
// a RUNNING transition with a fresh pid, Stop removes the record.
type fakeSup struct {
	mu       sync.Mutex
	registry *store.Registry
	nextPID  int
	alive    map[int]bool
	started  []string
	stopped  []string
	canceled []string
	startErr error
}

func newFakeSup(reg *store.Registry) *fakeSup {
	return &fakeSup{registry: reg, nextPID: 1000, alive: make(map[int]bool)}
}

func (f *fakeSup) Start(rec *models.StreamRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.nextPID++
	rec.State = models.StateRunning
	rec.ProcessID = f.nextPID
	rec.StartedAt = time.Now().UTC()
	f.alive[f.nextPID] = true
	f.started = append(f.started, rec.ID)
	return f.registry.Put(rec)
}

func (f *fakeSup) Stop(_ context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, streamID)
	return f.registry.Delete(streamID)
}

func (f *fakeSup) CancelRestart(streamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, streamID)
	return true
}

func (f *fakeSup) Running(string) bool { return false }

func (f *fakeSup) IsAlive(pid int, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSup) startCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.started {
		if s == id {
			n++
		}
	}
	return n
}

// fakeProber counts probes and returns a fixed result.
type fakeProber struct {
	mu       sync.Mutex
	hasAudio bool
	err      error
	calls    int
}

func (p *fakeProber) Probe(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.hasAudio, p.err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	rec      *Reconciler
	registry *store.Registry
	durable  *store.Durable
	sup      *fakeSup
	prober   *fakeProber
	bus      *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewTestLogger(io.Discard)
	reg, err := store.OpenRegistry(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	dur, err := store.OpenDurable(t.TempDir(), 0, logger)
	if err != nil {
		t.Fatal(err)
	}
	sup := newFakeSup(reg)
	prober := &fakeProber{hasAudio: true}
	b := bus.New(logger)
	t.Cleanup(func() { _ = b.Close() })

	r := New(Config{
		WorkerBinary:     "ffmpeg",
		MaxRetries:       3,
		StableRun:        time.Minute,
		AudioReuseWindow: 5 * time.Minute,
	}, reg, dur, sup, prober, b, logger)

	return &fixture{rec: r, registry: reg, durable: dur, sup: sup, prober: prober, bus: b}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startIntent(id, source, key string) models.StreamIntent {
	return models.StreamIntent{
		StreamID:       id,
		SourceURL:      source,
		DestinationKey: key,
		Action:         models.ActionStart,
		ObservedAt:     time.Now().UTC(),
	}
}

func stopIntent(id string) models.StreamIntent {
	return models.StreamIntent{StreamID: id, Action: models.ActionStop, ObservedAt: time.Now().UTC()}
}

func TestStartIntentAgainstEmptyState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))

	rec, ok := f.registry.Get("s1")
	if !ok {
		t.Fatal("no record created")
	}
	if rec.State != models.StateRunning {
		t.Errorf("state = %s, want RUNNING", rec.State)
	}
	if rec.ProcessID == 0 {
		t.Error("running record must carry a pid")
	}
	if !rec.HasAudio {
		t.Error("probe result not persisted on the record")
	}
	if _, ok := f.durable.Get("s1"); !ok {
		t.Error("start declaration not written to durable config")
	}
	if f.prober.callCount() != 1 {
		t.Errorf("probe calls = %d, want 1", f.prober.callCount())
	}
}

func TestDuplicateStartIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := startIntent("s1", "rtsp://cam/1", "k1")

	f.rec.HandleIntent(ctx, intent)
	f.rec.HandleIntent(ctx, intent)

	if n := f.sup.startCount("s1"); n != 1 {
		t.Errorf("start count = %d, want 1 (duplicate must be absorbed)", n)
	}
}

func TestPlanIsEmptyWhenConverged(t *testing.T) {
	f := newFixture(t)
	f.rec.HandleIntent(context.Background(), startIntent("s1", "rtsp://cam/1", "k1"))

	plan := f.rec.Plan()
	if !plan.Empty() {
		t.Errorf("converged state must yield an empty plan, got %+v", plan)
	}
	if len(plan.ToKeep) != 1 {
		t.Errorf("running record missing from ToKeep: %+v", plan)
	}
}

func TestStartWhilePendingIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	// A PENDING record means a start is in flight for this identity.
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})
	if err := f.registry.Put(&models.StreamRecord{
		ID: "s1", SourceURL: "rtsp://cam/1", DestinationKey: "k1", State: models.StatePending,
	}); err != nil {
		t.Fatal(err)
	}

	f.rec.HandleIntent(context.Background(), startIntent("s1", "rtsp://cam/1", "k1"))

	if n := f.sup.startCount("s1"); n != 0 {
		t.Errorf("second process spawned for a pending identity (%d starts)", n)
	}
}

func TestStopIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))

	f.rec.HandleIntent(ctx, stopIntent("s1"))

	if len(f.sup.stopped) != 1 || f.sup.stopped[0] != "s1" {
		t.Errorf("stopped = %v, want [s1]", f.sup.stopped)
	}
	if _, ok := f.durable.Get("s1"); ok {
		t.Error("stop declaration must remove the durable entry")
	}
	if _, ok := f.registry.Get("s1"); ok {
		t.Error("stopped record must leave the registry")
	}
}

func TestStopOnPendingCancels(t *testing.T) {
	f := newFixture(t)
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})
	if err := f.registry.Put(&models.StreamRecord{ID: "s1", State: models.StatePending}); err != nil {
		t.Fatal(err)
	}

	f.rec.HandleIntent(context.Background(), stopIntent("s1"))

	if len(f.sup.stopped) != 0 {
		t.Error("cancel must not signal a process that never existed")
	}
	if len(f.sup.canceled) != 1 {
		t.Error("pending restart timer not canceled")
	}
	if _, ok := f.registry.Get("s1"); ok {
		t.Error("canceled record must leave the registry")
	}
}

func TestDestinationKeyRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))

	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k2"))

	if len(f.sup.stopped) != 1 {
		t.Errorf("old worker not stopped on key rotation: %v", f.sup.stopped)
	}
	if n := f.sup.startCount("s1"); n != 2 {
		t.Errorf("start count = %d, want 2", n)
	}
	rec, ok := f.registry.Get("s1")
	if !ok || rec.DestinationKey != "k2" {
		t.Errorf("record not carrying the rotated key: %+v", rec)
	}
	if rec.State != models.StateRunning {
		t.Errorf("state = %s, want RUNNING", rec.State)
	}
}

func TestDeadPidTriggersExactlyOneRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))

	rec, _ := f.registry.Get("s1")
	f.sup.mu.Lock()
	f.sup.alive[rec.ProcessID] = false
	f.sup.mu.Unlock()

	// A duplicate intent now observes the dead pid.
	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))

	rec, ok := f.registry.Get("s1")
	if !ok {
		t.Fatal("record lost")
	}
	if rec.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", rec.RetryCount)
	}
	if rec.State != models.StateRunning {
		t.Errorf("state = %s, want RUNNING after restart", rec.State)
	}
	if n := f.sup.startCount("s1"); n != 2 {
		t.Errorf("start count = %d, want 2 (exactly one retry)", n)
	}
}

func TestRetryCeilingReachesTerminalFailed(t *testing.T) {
	f := newFixture(t)
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})
	if err := f.registry.Put(&models.StreamRecord{
		ID: "s1", SourceURL: "rtsp://cam/1", DestinationKey: "k1",
		State: models.StateRunning, ProcessID: 4242, RetryCount: 3,
	}); err != nil {
		t.Fatal(err)
	}

	f.rec.HandleDeadProcess(context.Background(), bus.DeadProcessDetected{
		StreamID: "s1", ProcessID: 4242, Reason: "liveness check failed",
	})

	if _, ok := f.registry.Get("s1"); ok {
		t.Error("terminally failed record must leave the registry")
	}
	if n := f.sup.startCount("s1"); n != 0 {
		t.Errorf("terminal failure must never be retried, got %d starts", n)
	}

	failures := f.rec.TerminalFailures()
	if len(failures) != 1 || failures[0].StreamID != "s1" {
		t.Fatalf("terminal failure not surfaced: %+v", failures)
	}
	if failures[0].Reason == "" {
		t.Error("terminal failure lost its reason")
	}
}

func TestStableRunRestoresRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})
	// The worker streamed for an hour before dying; its earlier crashes are
	// not part of the current failure streak.
	if err := f.registry.Put(&models.StreamRecord{
		ID: "s1", SourceURL: "rtsp://cam/1", DestinationKey: "k1",
		State: models.StateRunning, ProcessID: 4242, RetryCount: 3,
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	f.rec.HandleDeadProcess(context.Background(), bus.DeadProcessDetected{
		StreamID: "s1", ProcessID: 4242, Reason: "liveness check failed",
	})

	rec, ok := f.registry.Get("s1")
	if !ok {
		t.Fatal("stable worker treated as terminal")
	}
	if rec.State != models.StateRunning || rec.RetryCount != 1 {
		t.Errorf("got state=%s retries=%d, want RUNNING/1", rec.State, rec.RetryCount)
	}
	if len(f.rec.TerminalFailures()) != 0 {
		t.Error("stable worker must not appear in the terminal history")
	}
}

func TestFreshStartClearsTerminalHistory(t *testing.T) {
	f := newFixture(t)
	f.rec.recordTerminal("s1", "crashed out", 3)

	f.rec.HandleIntent(context.Background(), startIntent("s1", "rtsp://cam/1", "k1"))

	if len(f.rec.TerminalFailures()) != 0 {
		t.Error("fresh declaration must clear the terminal record")
	}
	rec, ok := f.registry.Get("s1")
	if !ok || rec.RetryCount != 0 {
		t.Errorf("fresh declaration must reset the retry budget: %+v", rec)
	}
}

func TestCorruptedBookkeepingRestarts(t *testing.T) {
	f := newFixture(t)
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})
	// RUNNING without a pid cannot be validated; only a restart restores
	// a provable state.
	if err := f.registry.Put(&models.StreamRecord{
		ID: "s1", SourceURL: "rtsp://cam/1", DestinationKey: "k1", State: models.StateRunning,
	}); err != nil {
		t.Fatal(err)
	}

	f.rec.FullPass(context.Background(), "health")

	rec, ok := f.registry.Get("s1")
	if !ok {
		t.Fatal("record lost")
	}
	if rec.State != models.StateRunning || rec.ProcessID == 0 {
		t.Errorf("corrupted record not restarted: %+v", rec)
	}
	if rec.RetryCount != 1 {
		t.Errorf("restart must consume retry budget, count = %d", rec.RetryCount)
	}
}

func TestRestartDueHonored(t *testing.T) {
	f := newFixture(t)
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})
	if err := f.registry.Put(&models.StreamRecord{
		ID: "s1", SourceURL: "rtsp://cam/1", DestinationKey: "k1",
		State: models.StateRetrying, RetryCount: 1,
	}); err != nil {
		t.Fatal(err)
	}

	f.rec.HandleRestartDue(context.Background(), bus.RestartDue{StreamID: "s1", Attempt: 1})

	rec, ok := f.registry.Get("s1")
	if !ok || rec.State != models.StateRunning {
		t.Errorf("retrying record not restarted: %+v", rec)
	}
}

func TestRestartDueAfterStopIsDiscarded(t *testing.T) {
	f := newFixture(t)
	// Declaration already removed: the controller stopped the stream while
	// the backoff timer was pending.
	if err := f.registry.Put(&models.StreamRecord{
		ID: "s1", State: models.StateRetrying, RetryCount: 1,
	}); err != nil {
		t.Fatal(err)
	}

	f.rec.HandleRestartDue(context.Background(), bus.RestartDue{StreamID: "s1", Attempt: 1})

	if n := f.sup.startCount("s1"); n != 0 {
		t.Error("stale restart resurrected a stopped stream")
	}
	if _, ok := f.registry.Get("s1"); ok {
		t.Error("orphaned retrying record not cleaned up")
	}
}

func TestFullPassStopsUndeclared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))
	f.rec.HandleIntent(ctx, startIntent("s2", "rtsp://cam/2", "k2"))

	// Simulate a declaration lost while disconnected: durable drops s2.
	f.durable.RemoveDesired("s2")
	f.rec.FullPass(ctx, "reconnect")

	if _, ok := f.registry.Get("s2"); ok {
		t.Error("undeclared stream survived a full pass")
	}
	if rec, ok := f.registry.Get("s1"); !ok || rec.State != models.StateRunning {
		t.Error("declared stream disturbed by the pass")
	}
}

func TestFullPassStartsMissing(t *testing.T) {
	f := newFixture(t)
	f.durable.SetDesired("s1", store.DesiredStream{SourceURL: "rtsp://cam/1", DestinationKey: "k1"})

	f.rec.FullPass(context.Background(), "boot")

	rec, ok := f.registry.Get("s1")
	if !ok || rec.State != models.StateRunning {
		t.Errorf("declared stream not started by the pass: %+v", rec)
	}
}

func TestAudioProbeReuseWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.HandleIntent(ctx, startIntent("s1", "rtsp://cam/1", "k1"))
	if f.prober.callCount() != 1 {
		t.Fatalf("probe calls = %d, want 1", f.prober.callCount())
	}

	t.Run("recent result is reused on restart", func(t *testing.T) {
		rec, _ := f.registry.Get("s1")
		f.sup.mu.Lock()
		f.sup.alive[rec.ProcessID] = false
		f.sup.mu.Unlock()

		f.rec.FullPass(ctx, "health")
		if f.prober.callCount() != 1 {
			t.Errorf("probe re-ran within the reuse window (%d calls)", f.prober.callCount())
		}
	})

	t.Run("stale result is re-probed", func(t *testing.T) {
		rec, _ := f.registry.Get("s1")
		rec.AudioProbedAt = time.Now().Add(-time.Hour)
		if err := f.registry.Put(rec); err != nil {
			t.Fatal(err)
		}
		f.sup.mu.Lock()
		f.sup.alive[rec.ProcessID] = false
		f.sup.mu.Unlock()

		f.rec.FullPass(ctx, "health")
		if f.prober.callCount() != 2 {
			t.Errorf("stale probe result not refreshed (%d calls)", f.prober.callCount())
		}
	})
}

func TestProbeFailureNeverBlocksStart(t *testing.T) {
	f := newFixture(t)
	f.prober.err = context.DeadlineExceeded
	f.prober.hasAudio = false

	f.rec.HandleIntent(context.Background(), startIntent("s1", "rtsp://cam/1", "k1"))

	rec, ok := f.registry.Get("s1")
	if !ok || rec.State != models.StateRunning {
		t.Fatalf("probe failure blocked the start: %+v", rec)
	}
	if rec.HasAudio {
		t.Error("uncertain probe must default to silent-audio injection")
	}
}

func TestSingleRunningInvariantOverRandomSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intents := []models.StreamIntent{
		startIntent("s1", "rtsp://cam/1", "k1"),
		startIntent("s1", "rtsp://cam/1", "k1"),
		stopIntent("s1"),
		startIntent("s1", "rtsp://cam/1", "k2"),
		startIntent("s2", "rtsp://cam/2", "k1"),
		startIntent("s1", "rtsp://cam/1", "k3"),
		stopIntent("s2"),
		startIntent("s2", "rtsp://cam/2", "k9"),
	}

	for _, intent := range intents {
		f.rec.HandleIntent(ctx, intent)

		running := make(map[string]int)
		for _, rec := range f.registry.Snapshot() {
			if rec.State == models.StateRunning {
				running[rec.ID]++
			}
		}
		for id, n := range running {
			if n > 1 {
				t.Fatalf("invariant violated: %d RUNNING records for %s", n, id)
			}
		}
	}

	if !f.rec.Plan().Empty() {
		t.Error("sequence did not converge to an empty plan")
	}
}

func TestRestartPairKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = f.rec.Serve(ctx)
	}()
	<-f.rec.Subscribed()

	send := func(intent models.StreamIntent) {
		if err := f.bus.Publish(bus.TopicIntent, bus.IntentReceived{Intent: intent}); err != nil {
			t.Errorf("publish: %v", err)
		}
	}

	send(startIntent("s1", "rtsp://cam/1", "k1"))
	waitFor(t, func() bool {
		rec, ok := f.registry.Get("s1")
		return ok && rec.State == models.StateRunning
	}, "initial start")

	// A controller restart event arrives as a stop intent immediately
	// followed by a start intent; applying the pair out of order leaves
	// the stream undeclared and not running. Each ordered pair performs
	// exactly one fresh start, so a stalled start count means the pair
	// inverted.
	for i := 0; i < 50; i++ {
		send(stopIntent("s1"))
		send(startIntent("s1", "rtsp://cam/1", "k1"))

		want := i + 2
		waitFor(t, func() bool { return f.sup.startCount("s1") == want }, "restart pair to apply")
		if _, declared := f.durable.Get("s1"); !declared {
			t.Fatalf("pair %d inverted to start-then-stop: stream undeclared", i)
		}
		rec, ok := f.registry.Get("s1")
		if !ok || rec.State != models.StateRunning {
			t.Fatalf("pair %d left the stream not running: %+v", i, rec)
		}
	}

	cancel()
	<-served
}
