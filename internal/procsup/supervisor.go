// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package procsup owns the mapping from stream identity to live worker
// process: spawning, graceful/forced termination, exit observation and
// crash-retry scheduling. It is the only package that touches os/exec.
//
// The supervisor reports exits and due restarts as bus messages; the
// reconciler stays the single place that decides what happens next.
package procsup

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// ErrAlreadyRunning is returned by Start when a live worker already exists
// for the stream identity. It protects the single-RUNNING invariant at the
// lowest level even if a reconciler bug double-dispatches a start.
var ErrAlreadyRunning = errors.New("worker already running for stream")

// Config carries the supervisor tunables.
type Config struct {
	// WorkerBinary is the relay worker executable.
	WorkerBinary string

	// RTMPBase is the destination base URL the stream key is appended to.
	RTMPBase string

	// StopGrace bounds the wait between SIGTERM and SIGKILL.
	StopGrace time.Duration

	// RestartBackoff is multiplied by the retry count for crash restarts.
	RestartBackoff time.Duration

	// MaxRetries is the crash-retry ceiling.
	MaxRetries int

	// StableRun is how long a worker must have run before its next crash
	// starts a fresh retry streak. Zero disables the reset.
	StableRun time.Duration

	// ExtraArgs are opaque tunables forwarded to the command builder.
	ExtraArgs []string
}

// RecordStore is the slice of the ephemeral registry the supervisor needs.
type RecordStore interface {
	Get(id string) (*models.StreamRecord, bool)
	Put(rec *models.StreamRecord) error
	Delete(id string) error
}

// Publisher is the bus surface the supervisor emits events on.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Supervisor starts, stops and observes relay worker processes.
type Supervisor struct {
	cfg      Config
	builder  CommandBuilder
	registry RecordStore
	pub      Publisher
	logger   zerolog.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	restarts map[string]*time.Timer
}

type worker struct {
	streamID      string
	cmd           *exec.Cmd
	pid           int
	stopRequested atomic.Bool
	done          chan struct{}
}

// New creates a process supervisor.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cfg Config, builder CommandBuilder, registry RecordStore, pub Publisher, logger zerolog.Logger) *Supervisor {
	if builder == nil {
		builder = &FFmpegBuilder{Binary: cfg.WorkerBinary}
	}
	return &Supervisor{
		cfg:      cfg,
		builder:  builder,
		registry: registry,
		pub:      pub,
		logger:   logger,
		workers:  make(map[string]*worker),
		restarts: make(map[string]*time.Timer),
	}
}

// Start spawns a worker for the record, transitions it to RUNNING and
// writes the new process id to the registry before returning. An exit
// observer goroutine reports the eventual exit on the bus.
func (s *Supervisor) Start(rec *models.StreamRecord) error {
	dest := DestinationURL(s.cfg.RTMPBase, rec.DestinationKey)
	argv := s.builder.BuildCommand(rec.SourceURL, dest, rec.HasAudio, s.cfg.ExtraArgs)
	if len(argv) == 0 {
		return fmt.Errorf("start %s: empty command", rec.ID)
	}

	// Held across the spawn so the already-running check and the workers
	// insert are one step; two racing starts cannot both pass the check.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[rec.ID]; exists {
		return fmt.Errorf("start %s: %w", rec.ID, ErrAlreadyRunning)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// Own process group so stop signals reach worker children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker for %s: %w", rec.ID, err)
	}

	w := &worker{
		streamID: rec.ID,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		done:     make(chan struct{}),
	}

	rec.State = models.StateRunning
	rec.ProcessID = w.pid
	rec.StartedAt = time.Now().UTC()
	rec.LastError = ""
	if err := s.registry.Put(rec); err != nil {
		// The process is up but unrecorded; kill it rather than leak an
		// untracked worker.
		_ = syscall.Kill(-w.pid, syscall.SIGKILL)
		return fmt.Errorf("record worker for %s: %w", rec.ID, err)
	}

	s.workers[rec.ID] = w

	metrics.WorkerStarts.Inc()
	metrics.WorkersActive.Inc()
	s.logger.Info().
		Str("stream_id", rec.ID).
		Int("pid", w.pid).
		Bool("has_audio", rec.HasAudio).
		Msg("Worker started")

	go s.observe(w)
	return nil
}

// Stop terminates the worker for the stream identity: SIGTERM, a bounded
// grace wait, then SIGKILL. The registry entry is removed once the process
// is confirmed gone (best effort; a stuck process does not block the caller
// past the grace windows). Any pending restart timer is canceled first.
func (s *Supervisor) Stop(ctx context.Context, streamID string) error {
	s.CancelRestart(streamID)

	s.mu.Lock()
	w := s.workers[streamID]
	s.mu.Unlock()

	if w == nil {
		// No live process: PENDING or RETRYING bookkeeping only.
		return s.registry.Delete(streamID)
	}

	w.stopRequested.Store(true)
	if err := syscall.Kill(-w.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn().Err(err).Int("pid", w.pid).Msg("SIGTERM failed, escalating")
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-w.done:
		metrics.WorkerStops.WithLabelValues("graceful").Inc()
	case <-grace.C:
		_ = syscall.Kill(-w.pid, syscall.SIGKILL)
		metrics.WorkerStops.WithLabelValues("forced").Inc()
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			s.logger.Error().Int("pid", w.pid).Str("stream_id", streamID).
				Msg("Worker did not exit after SIGKILL")
		case <-ctx.Done():
		}
	case <-ctx.Done():
		_ = syscall.Kill(-w.pid, syscall.SIGKILL)
		metrics.WorkerStops.WithLabelValues("forced").Inc()
	}

	return s.registry.Delete(streamID)
}

// StopAll drains every live worker concurrently. Used on shutdown; no
// worker may be orphaned.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				s.logger.Error().Err(err).Str("stream_id", id).Msg("Drain stop failed")
			}
		}(id)
	}
	wg.Wait()
}

// IsAlive implements the process handle validation against PID reuse.
func (s *Supervisor) IsAlive(pid int, expectedExecutable string) bool {
	return IsAlive(pid, expectedExecutable)
}

// CancelRestart cancels a pending crash-restart timer, if any. Returns true
// when a timer was armed. A deliberate stop received while RETRYING must
// cancel the timer before it fires.
func (s *Supervisor) CancelRestart(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.restarts[streamID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.restarts, streamID)
	return true
}

// Running reports whether a live worker exists for the identity.
func (s *Supervisor) Running(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[streamID] != nil
}

// ActivePIDs returns the PIDs of all currently supervised workers.
func (s *Supervisor) ActivePIDs() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make(map[int]bool, len(s.workers))
	for _, w := range s.workers {
		pids[w.pid] = true
	}
	return pids
}

// observe waits for the worker to exit and routes the exit to either the
// deliberate-stop path or the crash path.
func (s *Supervisor) observe(w *worker) {
	err := w.cmd.Wait()
	close(w.done)

	s.mu.Lock()
	delete(s.workers, w.streamID)
	s.mu.Unlock()
	metrics.WorkersActive.Dec()

	exitCode := 0
	reason := ""
	if err != nil {
		reason = err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if w.stopRequested.Load() {
		s.publishExit(w, exitCode, reason, true, false)
		return
	}
	s.handleCrash(w, exitCode, reason)
}

// handleCrash applies the crash transitions: FAILED, then RETRYING with a
// scheduled restart while under the ceiling, terminal FAILED otherwise.
// Each transition is persisted before the next.
func (s *Supervisor) handleCrash(w *worker, exitCode int, reason string) {
	metrics.WorkerCrashes.Inc()
	if reason == "" {
		reason = fmt.Sprintf("worker exited with code %d", exitCode)
	}

	rec, ok := s.registry.Get(w.streamID)
	if !ok {
		// Record already removed (e.g. reconciled away between exit and
		// now); nothing to schedule.
		s.publishExit(w, exitCode, reason, false, false)
		return
	}
	if rec.State == models.StateStopped {
		s.publishExit(w, exitCode, reason, true, false)
		return
	}

	rec.State = models.StateFailed
	rec.ProcessID = 0
	rec.LastError = reason
	if err := s.registry.Put(rec); err != nil {
		s.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to persist crash transition")
	}

	// The ceiling counts consecutive crashes; a long stable run breaks the
	// streak.
	if s.cfg.StableRun > 0 && !rec.StartedAt.IsZero() && time.Since(rec.StartedAt) >= s.cfg.StableRun {
		rec.RetryCount = 0
	}

	if rec.RetryCount >= s.cfg.MaxRetries {
		metrics.WorkersFailedTerminally.Inc()
		s.logger.Error().
			Str("stream_id", rec.ID).
			Int("retries", rec.RetryCount).
			Str("reason", reason).
			Msg("Worker failed terminally, retry ceiling reached")
		if err := s.registry.Delete(rec.ID); err != nil {
			s.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to remove terminal record")
		}
		s.publishExit(w, exitCode, reason, false, true)
		return
	}

	rec.RetryCount++
	rec.State = models.StateRetrying
	if err := s.registry.Put(rec); err != nil {
		s.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to persist retry transition")
	}

	delay := s.cfg.RestartBackoff * time.Duration(rec.RetryCount)
	attempt := rec.RetryCount
	s.logger.Warn().
		Str("stream_id", rec.ID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("Worker crashed, restart scheduled")

	s.mu.Lock()
	s.restarts[rec.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.restarts, rec.ID)
		s.mu.Unlock()
		metrics.WorkerRestarts.Inc()
		if err := s.pub.Publish(bus.TopicRestartDue, bus.RestartDue{
			StreamID: rec.ID,
			Attempt:  attempt,
			At:       time.Now().UTC(),
		}); err != nil {
			s.logger.Error().Err(err).Str("stream_id", rec.ID).Msg("Failed to publish restart")
		}
	})
	s.mu.Unlock()

	s.publishExit(w, exitCode, reason, false, false)
}

func (s *Supervisor) publishExit(w *worker, exitCode int, reason string, deliberate, terminal bool) {
	if err := s.pub.Publish(bus.TopicProcessExited, bus.ProcessExited{
		StreamID:   w.streamID,
		ProcessID:  w.pid,
		ExitCode:   exitCode,
		Reason:     reason,
		Deliberate: deliberate,
		Terminal:   terminal,
		At:         time.Now().UTC(),
	}); err != nil {
		s.logger.Error().Err(err).Str("stream_id", w.streamID).Msg("Failed to publish exit")
	}
}
