// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package main is the entry point for the Streamwarden supervisor.
//
// Streamwarden keeps a fleet of ffmpeg camera relay workers converged to
// the desired set a remote controller declares over a push-event channel,
// across network interruptions, worker crashes, replayed events and full
// machine reboots.
//
// # Startup order
//
//  1. Configuration: koanf v2 layered load (defaults, config.yaml,
//     STREAMWARDEN_* environment variables), validated after merge
//  2. State store: durable desired-config plus the ephemeral registry
//  3. Boot classification: fresh boot wipes the registry and sweeps
//     orphaned workers; recovery re-validates every recorded process
//  4. Service tree (suture): reconciler and ingestor in the control
//     layer, monitor and ops server in the observe layer
//  5. First reconciliation pass against the durable declarations
//
// # Signal handling
//
// SIGINT/SIGTERM trigger a drain: the service tree stops, every worker
// receives SIGTERM with a bounded grace before SIGKILL, and the desired
// config is flushed to disk before exit. No worker is orphaned.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/streamwarden/streamwarden/internal/boot"
	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/ingest"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/monitor"
	"github.com/streamwarden/streamwarden/internal/ops"
	"github.com/streamwarden/streamwarden/internal/probe"
	"github.com/streamwarden/streamwarden/internal/procsup"
	"github.com/streamwarden/streamwarden/internal/reconcile"
	"github.com/streamwarden/streamwarden/internal/store"
	"github.com/streamwarden/streamwarden/internal/supervisor"
)

// drainTimeout bounds the worker drain after the service tree has stopped.
const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("controller_url", cfg.Controller.URL).
		Str("data_dir", cfg.Store.DataDir).
		Str("worker_binary", cfg.Worker.Binary).
		Msg("Starting Streamwarden")

	registry, err := store.OpenRegistry(cfg.Store.DataDir, logging.Component("registry"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open ephemeral registry")
	}
	durable, err := store.OpenDurable(cfg.Store.DataDir, cfg.Store.DurableDebounce, logging.Component("desired"))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open desired config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Classify before anything else touches the registry.
	classifier := boot.New(cfg.Boot, cfg.Worker.Binary, registry, logging.Component("boot"))
	mode, err := classifier.Classify(ctx)
	if err != nil {
		logging.Fatal().Err(err).Msg("Boot classification failed")
	}
	logging.Info().Str("mode", string(mode)).Msg("Boot classification complete")

	messageBus := bus.New(logging.Component("bus"))
	defer func() {
		if err := messageBus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing message bus")
		}
	}()

	workers := procsup.New(procsup.Config{
		WorkerBinary:   cfg.Worker.Binary,
		RTMPBase:       cfg.Worker.RTMPBase,
		StopGrace:      cfg.Worker.StopGrace,
		RestartBackoff: cfg.Worker.RestartBackoff,
		MaxRetries:     cfg.Worker.MaxRetries,
		StableRun:      cfg.Worker.StableRun,
		ExtraArgs:      cfg.Worker.ExtraArgs,
	}, nil, registry, messageBus, logging.Component("procsup"))

	prober := probe.New(cfg.Probe.Binary, cfg.Probe.Timeout, cfg.Probe.Attempts, logging.Component("probe"))

	reconciler := reconcile.New(reconcile.Config{
		WorkerBinary:     cfg.Worker.Binary,
		MaxRetries:       cfg.Worker.MaxRetries,
		StableRun:        cfg.Worker.StableRun,
		AudioReuseWindow: cfg.Worker.AudioReuseWindow,
	}, registry, durable, workers, prober, messageBus, logging.Component("reconciler"))

	mon := monitor.New(cfg.Monitor, registry, cfg.Worker.Binary, cfg.Store.DataDir, messageBus, logging.Component("monitor"))

	var ready atomic.Bool
	tree := supervisor.NewTree(logging.Component("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddControlService(reconciler)
	tree.AddObserveService(mon)
	if cfg.Ops.Enabled {
		opsServer := ops.New(cfg.Ops, reconciler, mon, ready.Load, logging.Component("ops"))
		tree.AddObserveService(opsServer)
	}

	errCh := tree.ServeBackground(ctx)

	// The ingestor is added only after the reconciler's subscriptions are
	// live; the in-process bus does not buffer for late subscribers.
	select {
	case <-reconciler.Subscribed():
	case err := <-errCh:
		logging.Fatal().Err(err).Msg("Service tree failed during startup")
	}

	reconciler.FullPass(ctx, "boot")
	tree.AddControlService(ingest.New(cfg.Controller, messageBus, logging.Component("ingestor")))
	ready.Store(true)
	logging.Info().Msg("Streamwarden ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Service tree shutdown error")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Service tree terminated")
		}
		cancel()
	}

	drain(workers, durable)
	logging.Info().Msg("Streamwarden stopped")
}

// drain stops every live worker and flushes the desired config. Runs after
// the service tree is down so nothing restarts what it stops.
func drain(workers *procsup.Supervisor, durable *store.Durable) {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	logging.Info().Msg("Draining workers")
	workers.StopAll(drainCtx)

	if err := durable.Flush(); err != nil {
		logging.Error().Err(err).Msg("Failed to flush desired config")
	}
}
