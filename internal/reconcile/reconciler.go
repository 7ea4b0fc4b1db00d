// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package reconcile is the control-loop brain: it compares the controller's
// declared desired set against locally observed reality and applies the
// minimal set of start/stop actions. It is the sole mutator of stream
// records; every other component only sends it messages.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/probe"
	"github.com/streamwarden/streamwarden/internal/procsup"
	"github.com/streamwarden/streamwarden/internal/store"
)

// terminalHistoryCap bounds the terminal-failure record kept for operators.
const terminalHistoryCap = 256

// Supervisor is the process-lifecycle surface the reconciler drives.
type Supervisor interface {
	Start(rec *models.StreamRecord) error
	Stop(ctx context.Context, streamID string) error
	CancelRestart(streamID string) bool
	Running(streamID string) bool
	IsAlive(pid int, expectedExecutable string) bool
}

// Config carries the reconciler tunables.
type Config struct {
	// WorkerBinary is the executable name expected behind recorded PIDs.
	WorkerBinary string

	// MaxRetries is the crash/dead-process retry ceiling.
	MaxRetries int

	// AudioReuseWindow bounds how long a retry may reuse a cached audio
	// probe result without re-probing the source.
	AudioReuseWindow time.Duration

	// StableRun is how long a worker must have run before its next failure
	// starts a fresh retry streak. Zero disables the reset.
	StableRun time.Duration
}

// TerminalFailure is a record that exhausted its retry ceiling, kept for
// operator visibility after the registry entry is removed.
type TerminalFailure struct {
	StreamID   string    `json:"stream_id"`
	SourceURL  string    `json:"source_url,omitempty"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	At         time.Time `json:"at"`
}

// Reconciler owns stream records. All decisions for one identity are
// serialized behind a per-identity lock; different identities converge
// concurrently.
type Reconciler struct {
	cfg      Config
	registry *store.Registry
	durable  *store.Durable
	sup      Supervisor
	prober   probe.Prober
	bus      *bus.Bus
	logger   zerolog.Logger

	locks keyedLocks
	queue keyedQueue

	subscribed     chan struct{}
	subscribedOnce sync.Once

	termMu   sync.Mutex
	terminal map[string]TerminalFailure
}

// New creates a reconciler.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cfg Config, registry *store.Registry, durable *store.Durable, sup Supervisor, prober probe.Prober, b *bus.Bus, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		registry: registry,
		durable:  durable,
		sup:      sup,
		prober:   prober,
		bus:      b,
		logger:   logger,
		locks:      keyedLocks{locks: make(map[string]*sync.Mutex)},
		queue:      keyedQueue{pending: make(map[string][]func()), active: make(map[string]bool)},
		subscribed: make(chan struct{}),
		terminal:   make(map[string]TerminalFailure),
	}
}

// Subscribed is closed once Serve has set up all bus subscriptions. The
// ingestor is only started afterwards so no intent is published into the
// void.
func (r *Reconciler) Subscribed() <-chan struct{} {
	return r.subscribed
}

// Serve consumes bus messages until ctx is canceled. Messages keyed by a
// stream identity are dispatched through a per-identity serial queue so
// they apply in arrival order; a controller restart arrives as a stop
// intent followed by a start intent, and inverting the pair would leave
// the stream permanently stopped. Full passes run on their own goroutines.
func (r *Reconciler) Serve(ctx context.Context) error {
	intents, err := r.bus.Subscribe(ctx, bus.TopicIntent)
	if err != nil {
		return err
	}
	restarts, err := r.bus.Subscribe(ctx, bus.TopicRestartDue)
	if err != nil {
		return err
	}
	deads, err := r.bus.Subscribe(ctx, bus.TopicProcessDead)
	if err != nil {
		return err
	}
	requests, err := r.bus.Subscribe(ctx, bus.TopicReconcile)
	if err != nil {
		return err
	}
	conns, err := r.bus.Subscribe(ctx, bus.TopicConnection)
	if err != nil {
		return err
	}
	exits, err := r.bus.Subscribe(ctx, bus.TopicProcessExited)
	if err != nil {
		return err
	}

	r.subscribedOnce.Do(func() { close(r.subscribed) })
	r.logger.Info().Msg("Reconciler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-intents:
			if !ok {
				return nil
			}
			payload, err := bus.Decode[bus.IntentReceived](msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("Dropping undecodable intent")
				continue
			}
			intent := payload.Intent
			r.queue.enqueue(intent.StreamID, func() { r.HandleIntent(ctx, intent) })

		case msg, ok := <-restarts:
			if !ok {
				return nil
			}
			payload, err := bus.Decode[bus.RestartDue](msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("Dropping undecodable restart signal")
				continue
			}
			due := payload
			r.queue.enqueue(due.StreamID, func() { r.HandleRestartDue(ctx, due) })

		case msg, ok := <-deads:
			if !ok {
				return nil
			}
			payload, err := bus.Decode[bus.DeadProcessDetected](msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("Dropping undecodable dead-process signal")
				continue
			}
			dead := payload
			r.queue.enqueue(dead.StreamID, func() { r.HandleDeadProcess(ctx, dead) })

		case msg, ok := <-requests:
			if !ok {
				return nil
			}
			payload, err := bus.Decode[bus.ReconcileRequested](msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("Dropping undecodable reconcile request")
				continue
			}
			go r.FullPass(ctx, payload.Reason)

		case msg, ok := <-conns:
			if !ok {
				return nil
			}
			payload, err := bus.Decode[bus.ConnectionStateChanged](msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("Dropping undecodable connection signal")
				continue
			}
			// A reconnect means intents may have been missed; re-diff the
			// whole declared set.
			if payload.State == bus.StateConnected {
				go r.FullPass(ctx, "reconnect")
			}

		case msg, ok := <-exits:
			if !ok {
				return nil
			}
			payload, err := bus.Decode[bus.ProcessExited](msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("Dropping undecodable exit")
				continue
			}
			if payload.Terminal {
				r.recordTerminal(payload.StreamID, payload.Reason, -1)
			}
		}
	}
}

// HandleIntent applies one validated intent: the durable declaration is
// updated first, then the identity is converged against it.
func (r *Reconciler) HandleIntent(ctx context.Context, intent models.StreamIntent) {
	unlock := r.locks.lock(intent.StreamID)
	defer unlock()
	metrics.ReconcilePasses.WithLabelValues("intent").Inc()

	switch intent.Action {
	case models.ActionStart:
		r.durable.SetDesired(intent.StreamID, store.DesiredStream{
			SourceURL:      intent.SourceURL,
			DestinationKey: intent.DestinationKey,
			DeclaredAt:     intent.ObservedAt,
		})
		r.clearTerminal(intent.StreamID)
	case models.ActionStop:
		r.durable.RemoveDesired(intent.StreamID)
	default:
		r.logger.Warn().Str("action", string(intent.Action)).Msg("Unknown intent action")
		return
	}

	r.converge(ctx, intent.StreamID)
}

// HandleRestartDue executes a crash restart whose backoff elapsed. The
// restart is honored only if the stream is still declared and still
// waiting; a stop that raced the timer wins.
func (r *Reconciler) HandleRestartDue(ctx context.Context, due bus.RestartDue) {
	unlock := r.locks.lock(due.StreamID)
	defer unlock()
	metrics.ReconcilePasses.WithLabelValues("restart").Inc()

	rec, ok := r.registry.Get(due.StreamID)
	if !ok || rec.State != models.StateRetrying {
		return
	}
	desired, declared := r.durable.Get(due.StreamID)
	if !declared {
		// Stopped while waiting; the timer should have been canceled, this
		// is the second line of defense.
		_ = r.registry.Delete(due.StreamID)
		return
	}

	// Pick up a key rotation that happened while waiting.
	rec.SourceURL = desired.SourceURL
	rec.DestinationKey = desired.DestinationKey

	r.logger.Info().
		Str("stream_id", rec.ID).
		Int("attempt", due.Attempt).
		Msg("Restarting crashed worker")
	r.spawn(ctx, rec)
}

// HandleDeadProcess reacts to the health monitor's synthetic signal.
func (r *Reconciler) HandleDeadProcess(ctx context.Context, dead bus.DeadProcessDetected) {
	unlock := r.locks.lock(dead.StreamID)
	defer unlock()
	metrics.ReconcilePasses.WithLabelValues("health").Inc()

	rec, ok := r.registry.Get(dead.StreamID)
	if !ok || rec.State != models.StateRunning || rec.ProcessID != dead.ProcessID {
		// Stale signal; the record moved on since the check.
		return
	}
	if _, declared := r.durable.Get(dead.StreamID); !declared {
		_ = r.registry.Delete(dead.StreamID)
		return
	}
	r.restartDead(ctx, rec, dead.Reason)
}

// FullPass re-diffs the entire declared set against the registry: stops
// first, then starts, so the single-RUNNING invariant holds even mid-pass.
// Failures of individual identities never abort the rest of the pass.
func (r *Reconciler) FullPass(ctx context.Context, trigger string) {
	metrics.ReconcilePasses.WithLabelValues(trigger).Inc()
	expected := r.durable.Snapshot()

	var undeclared, declared []string
	for _, rec := range r.registry.Snapshot() {
		if _, ok := expected[rec.ID]; !ok {
			undeclared = append(undeclared, rec.ID)
		}
	}
	for id := range expected {
		declared = append(declared, id)
	}
	sort.Strings(declared)

	for _, id := range undeclared {
		r.convergeLocked(ctx, id)
	}

	var wg sync.WaitGroup
	for _, id := range declared {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.convergeLocked(ctx, id)
		}(id)
	}
	wg.Wait()

	r.logger.Debug().
		Str("trigger", trigger).
		Int("declared", len(declared)).
		Int("undeclared", len(undeclared)).
		Msg("Reconciliation pass complete")
}

// Plan computes what a pass would do without applying it. Exposed for the
// ops surface and for property checks: unchanged desired and observed
// state must yield an empty plan.
func (r *Reconciler) Plan() models.ReconciliationPlan {
	expected := r.durable.Snapshot()
	var plan models.ReconciliationPlan

	seen := make(map[string]bool)
	for _, rec := range r.registry.Snapshot() {
		seen[rec.ID] = true
		var desired *store.DesiredStream
		if d, ok := expected[rec.ID]; ok {
			desired = &d
		}
		dec := decide(rec, desired, r.alive)
		switch dec.kind {
		case models.PlanNoop:
			if rec.State.Active() {
				plan.ToKeep = append(plan.ToKeep, rec)
			}
		case models.PlanStop, models.PlanCancel:
			plan.ToStop = append(plan.ToStop, rec)
		case models.PlanMarkDead, models.PlanReplace, models.PlanStart:
			if dec.kind != models.PlanStart {
				plan.ToStop = append(plan.ToStop, rec)
			}
			plan.ToStart = append(plan.ToStart, desiredIntent(rec.ID, expected[rec.ID]))
		}
	}
	for id, d := range expected {
		if !seen[id] {
			plan.ToStart = append(plan.ToStart, desiredIntent(id, d))
		}
	}
	sort.Slice(plan.ToStart, func(i, j int) bool { return plan.ToStart[i].StreamID < plan.ToStart[j].StreamID })
	return plan
}

// Streams returns a snapshot of all records for the ops surface.
func (r *Reconciler) Streams() []*models.StreamRecord {
	return r.registry.Snapshot()
}

// TerminalFailures returns the retained terminally-failed records, oldest
// first.
func (r *Reconciler) TerminalFailures() []TerminalFailure {
	r.termMu.Lock()
	defer r.termMu.Unlock()
	out := make([]TerminalFailure, 0, len(r.terminal))
	for _, f := range r.terminal {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// convergeLocked converges one identity under its lock.
func (r *Reconciler) convergeLocked(ctx context.Context, id string) {
	unlock := r.locks.lock(id)
	defer unlock()
	r.converge(ctx, id)
}

// converge diffs and applies one identity. Callers must hold the identity
// lock.
func (r *Reconciler) converge(ctx context.Context, id string) {
	var desired *store.DesiredStream
	if d, ok := r.durable.Get(id); ok {
		desired = &d
	}
	var rec *models.StreamRecord
	if got, ok := r.registry.Get(id); ok {
		rec = got
	}

	dec := decide(rec, desired, r.alive)
	metrics.ReconcileActions.WithLabelValues(string(dec.kind)).Inc()
	if dec.kind != models.PlanNoop {
		r.logger.Info().
			Str("stream_id", id).
			Str("action", string(dec.kind)).
			Str("reason", dec.reason).
			Msg("Reconcile decision")
	}

	switch dec.kind {
	case models.PlanNoop:

	case models.PlanCancel:
		r.sup.CancelRestart(id)
		if err := r.registry.Delete(id); err != nil {
			r.logger.Error().Err(err).Str("stream_id", id).Msg("Failed to remove canceled record")
		}

	case models.PlanStop:
		r.stop(ctx, rec)

	case models.PlanStart:
		r.start(ctx, id, *desired)

	case models.PlanReplace:
		r.stop(ctx, rec)
		r.start(ctx, id, *desired)

	case models.PlanMarkDead:
		r.restartDead(ctx, rec, dec.reason)
	}
}

// start creates a fresh PENDING record for a declared stream and spawns it.
// A fresh declaration always begins with a clean retry budget.
func (r *Reconciler) start(ctx context.Context, id string, desired store.DesiredStream) {
	rec := &models.StreamRecord{
		ID:             id,
		SourceURL:      desired.SourceURL,
		DestinationKey: desired.DestinationKey,
		State:          models.StatePending,
	}
	if err := r.registry.Put(rec); err != nil {
		r.logger.Error().Err(err).Str("stream_id", id).Msg("Failed to persist pending record")
		return
	}
	r.spawn(ctx, rec)
}

// stop marks the record STOPPED before signaling the process so its exit is
// classified as deliberate, then delegates termination to the supervisor.
func (r *Reconciler) stop(ctx context.Context, rec *models.StreamRecord) {
	rec.State = models.StateStopped
	if err := r.registry.Put(rec); err != nil {
		r.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to persist stop transition")
	}
	if err := r.sup.Stop(ctx, rec.ID); err != nil {
		r.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Stop failed")
	}
}

// restartDead handles a record whose process is gone without an observed
// exit: one FAILED transition, then either an immediate fresh start or, at
// the ceiling, terminal removal.
func (r *Reconciler) restartDead(ctx context.Context, rec *models.StreamRecord, reason string) {
	rec.State = models.StateFailed
	rec.ProcessID = 0
	rec.LastError = reason
	if err := r.registry.Put(rec); err != nil {
		r.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to persist dead-process transition")
	}

	// The ceiling counts consecutive failures; a long stable run breaks the
	// streak.
	if r.cfg.StableRun > 0 && !rec.StartedAt.IsZero() && time.Since(rec.StartedAt) >= r.cfg.StableRun {
		rec.RetryCount = 0
	}

	if rec.RetryCount >= r.cfg.MaxRetries {
		metrics.WorkersFailedTerminally.Inc()
		r.logger.Error().
			Str("stream_id", rec.ID).
			Int("retries", rec.RetryCount).
			Str("reason", reason).
			Msg("Stream failed terminally, retry ceiling reached")
		if err := r.registry.Delete(rec.ID); err != nil {
			r.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to remove terminal record")
		}
		r.recordTerminal(rec.ID, reason, rec.RetryCount)
		return
	}

	rec.RetryCount++
	r.spawn(ctx, rec)
}

// spawn probes for audio when the cached result is stale, then hands the
// record to the supervisor. Probe failure never blocks the start; the
// worker falls back to silent-audio injection.
func (r *Reconciler) spawn(ctx context.Context, rec *models.StreamRecord) {
	if rec.AudioProbedAt.IsZero() || time.Since(rec.AudioProbedAt) > r.cfg.AudioReuseWindow {
		hasAudio, err := r.prober.Probe(ctx, rec.SourceURL)
		if err != nil {
			r.logger.Warn().Err(err).Str("stream_id", rec.ID).Msg("Starting without audio information")
		}
		rec.HasAudio = hasAudio
		rec.AudioProbedAt = time.Now().UTC()
	}

	rec.State = models.StatePending
	if err := r.registry.Put(rec); err != nil {
		r.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to persist pending record")
	}

	if err := r.sup.Start(rec); err != nil {
		if errors.Is(err, procsup.ErrAlreadyRunning) {
			r.logger.Warn().Str("stream_id", rec.ID).Msg("Start skipped, worker already running")
			return
		}
		rec.State = models.StateFailed
		rec.LastError = err.Error()
		if perr := r.registry.Put(rec); perr != nil {
			r.logger.Error().Err(perr).Str("stream_id", rec.ID).Msg("Failed to persist spawn failure")
		}
		r.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Worker spawn failed")
	}
}

func (r *Reconciler) alive(pid int) bool {
	return r.sup.IsAlive(pid, r.cfg.WorkerBinary)
}

func (r *Reconciler) recordTerminal(id, reason string, retries int) {
	source := ""
	if d, ok := r.durable.Get(id); ok {
		source = d.SourceURL
	}

	r.termMu.Lock()
	defer r.termMu.Unlock()
	if len(r.terminal) >= terminalHistoryCap {
		oldestID := ""
		var oldestAt time.Time
		for tid, f := range r.terminal {
			if oldestID == "" || f.At.Before(oldestAt) {
				oldestID, oldestAt = tid, f.At
			}
		}
		delete(r.terminal, oldestID)
	}
	r.terminal[id] = TerminalFailure{
		StreamID:   id,
		SourceURL:  source,
		Reason:     reason,
		RetryCount: retries,
		At:         time.Now().UTC(),
	}
}

func (r *Reconciler) clearTerminal(id string) {
	r.termMu.Lock()
	defer r.termMu.Unlock()
	delete(r.terminal, id)
}

func desiredIntent(id string, d store.DesiredStream) models.StreamIntent {
	return models.StreamIntent{
		StreamID:       id,
		SourceURL:      d.SourceURL,
		DestinationKey: d.DestinationKey,
		Action:         models.ActionStart,
		ObservedAt:     d.DeclaredAt,
	}
}

// keyedLocks serializes work per stream identity. The map only grows; a
// fleet is a handful of cameras, never unbounded identities.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// keyedQueue runs tasks for one stream identity in submission order. The bus
// delivers messages in publish order; handing each straight to a goroutine
// would let lock contention reorder a stop/start pair.
type keyedQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	active  map[string]bool
}

func (q *keyedQueue) enqueue(id string, task func()) {
	q.mu.Lock()
	q.pending[id] = append(q.pending[id], task)
	if q.active[id] {
		q.mu.Unlock()
		return
	}
	q.active[id] = true
	q.mu.Unlock()
	go q.drain(id)
}

func (q *keyedQueue) drain(id string) {
	for {
		q.mu.Lock()
		if len(q.pending[id]) == 0 {
			delete(q.pending, id)
			delete(q.active, id)
			q.mu.Unlock()
			return
		}
		task := q.pending[id][0]
		q.pending[id] = q.pending[id][1:]
		q.mu.Unlock()
		task()
	}
}
