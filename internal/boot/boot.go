// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package boot classifies process start as a fresh machine boot or a
// recovery after connectivity loss, and prepares the ephemeral registry
// accordingly before the first reconciliation pass.
package boot

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/procsup"
	"github.com/streamwarden/streamwarden/internal/store"
)

// Mode is the outcome of boot/loss classification.
type Mode string

const (
	// ModeFreshBoot means the host rebooted recently: ephemeral state is
	// stale by definition and any surviving worker processes are orphans.
	ModeFreshBoot Mode = "fresh_boot"

	// ModeRecovery means the process restarted on a long-running host:
	// ephemeral state may still describe live workers and is re-validated
	// rather than discarded.
	ModeRecovery Mode = "recovery"
)

// Classifier runs once at startup, before the reconciler's first pass.
type Classifier struct {
	cfg          config.BootConfig
	workerBinary string
	registry     *store.Registry
	logger       zerolog.Logger

	// uptime is swappable in tests.
	uptime func() (uint64, error)
}

// New creates a classifier backed by the host's real uptime.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cfg config.BootConfig, workerBinary string, registry *store.Registry, logger zerolog.Logger) *Classifier {
	return &Classifier{
		cfg:          cfg,
		workerBinary: workerBinary,
		registry:     registry,
		logger:       logger,
		uptime:       host.Uptime,
	}
}

// Classify reads host uptime and prepares the registry.
//
// Fresh boot: the registry is wiped and, when enabled, live processes
// matching the worker executable are killed as orphans. Recovery: every
// registry record is re-validated against the process table; records whose
// process is gone (or was never captured) are marked FAILED so the first
// reconciliation pass restarts them.
func (c *Classifier) Classify(ctx context.Context) (Mode, error) {
	up, err := c.uptime()
	if err != nil {
		// Without uptime we cannot prove a reboot; recovery is the
		// conservative path since it never destroys state.
		c.logger.Warn().Err(err).Msg("Cannot read host uptime, assuming recovery")
		return ModeRecovery, c.revalidate()
	}

	uptime := time.Duration(up) * time.Second
	if uptime < c.cfg.UptimeThreshold {
		c.logger.Info().
			Dur("uptime", uptime).
			Dur("threshold", c.cfg.UptimeThreshold).
			Msg("Fresh boot detected, discarding ephemeral state")
		return ModeFreshBoot, c.freshBoot(ctx)
	}

	c.logger.Info().
		Dur("uptime", uptime).
		Msg("Recovery start, re-validating ephemeral state")
	return ModeRecovery, c.revalidate()
}

func (c *Classifier) freshBoot(ctx context.Context) error {
	if err := c.registry.Clear(); err != nil {
		return fmt.Errorf("wipe registry: %w", err)
	}
	if !c.cfg.OrphanSweep {
		return nil
	}
	return c.sweepOrphans(ctx)
}

// sweepOrphans kills worker processes that survived the reboot of our own
// bookkeeping. After a registry wipe every matching process is untracked.
func (c *Classifier) sweepOrphans(ctx context.Context) error {
	pids, err := procsup.FindByExecutable(c.workerBinary)
	if err != nil {
		return fmt.Errorf("scan process table: %w", err)
	}
	for _, pid := range pids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Int("pid", pid).Msg("Killing orphaned worker process")
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			c.logger.Error().Err(err).Int("pid", pid).Msg("Failed to kill orphan")
		}
	}
	return nil
}

func (c *Classifier) revalidate() error {
	for _, rec := range c.registry.Snapshot() {
		if rec.State.Terminal() {
			continue
		}
		if rec.ProcessID != 0 && procsup.IsAlive(rec.ProcessID, c.workerBinary) {
			continue
		}

		c.logger.Warn().
			Str("stream_id", rec.ID).
			Int("pid", rec.ProcessID).
			Msg("Recorded process is gone, marking failed for restart")
		rec.State = models.StateFailed
		rec.ProcessID = 0
		rec.LastError = "process not found after recovery"
		if err := c.registry.Put(rec); err != nil {
			return fmt.Errorf("persist revalidated record %s: %w", rec.ID, err)
		}
	}
	return nil
}
