// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package metrics defines the Prometheus instrumentation for Streamwarden:
// reconciliation passes and actions, worker lifecycle, controller channel
// health, probe outcomes, resource alerts and state-store writes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciler

	ReconcilePasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_reconcile_passes_total",
			Help: "Total reconciliation passes by trigger",
		},
		[]string{"trigger"}, // "intent", "reconnect", "health", "restart", "boot"
	)

	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_reconcile_actions_total",
			Help: "Total reconciliation decisions by kind",
		},
		[]string{"action"}, // "start", "stop", "noop", "cancel", "mark_dead", "replace", "drop_extra"
	)

	// Worker lifecycle

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamwarden_workers_active",
			Help: "Current number of running relay workers",
		},
	)

	WorkerStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_worker_starts_total",
			Help: "Total worker process spawns",
		},
	)

	WorkerStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_worker_stops_total",
			Help: "Total worker stops by mode",
		},
		[]string{"mode"}, // "graceful", "forced"
	)

	WorkerCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_worker_crashes_total",
			Help: "Total non-deliberate worker exits",
		},
	)

	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_worker_restarts_total",
			Help: "Total crash-triggered restarts",
		},
	)

	WorkersFailedTerminally = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_workers_failed_terminally_total",
			Help: "Total records that exhausted the retry ceiling",
		},
	)

	// Controller event channel

	ControllerConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_controller_connects_total",
			Help: "Total successful controller subscriptions",
		},
	)

	ControllerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_controller_disconnects_total",
			Help: "Total controller subscription drops",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_events_received_total",
			Help: "Total controller events by outcome",
		},
		[]string{"outcome"}, // "accepted", "duplicate", "malformed", "ignored"
	)

	// Audio probe

	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_audio_probe_total",
			Help: "Total audio probe runs by result",
		},
		[]string{"result"}, // "audio", "no_audio", "error"
	)

	// Health & resources

	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_health_checks_total",
			Help: "Total worker liveness checks by result",
		},
		[]string{"result"}, // "alive", "dead"
	)

	ResourceAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_resource_alerts_total",
			Help: "Total resource alerts by type and level",
		},
		[]string{"type", "level"},
	)

	// State store

	RegistryWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_registry_writes_total",
			Help: "Total synchronous ephemeral registry writes",
		},
	)

	DurableWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_desired_config_writes_total",
			Help: "Total durable desired-config writes (post-debounce)",
		},
	)
)
