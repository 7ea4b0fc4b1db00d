// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package bus

import (
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// ConnectionState labels the ingestor's subscription to the controller.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
)

// IntentReceived carries one validated, deduplicated stream intent from the
// ingestor to the reconciler.
type IntentReceived struct {
	Intent        models.StreamIntent `json:"intent"`
	CorrelationID string              `json:"correlation_id"`
}

// ConnectionStateChanged is the ingestor's side-channel signal; it is not
// an intent and never starts or stops a stream by itself.
type ConnectionStateChanged struct {
	State ConnectionState `json:"state"`
	At    time.Time       `json:"at"`
}

// ProcessExited reports a worker exit observed by the process supervisor.
// Deliberate is true when the record was already transitioning to STOPPED;
// Terminal is true when the crash exhausted the retry ceiling.
type ProcessExited struct {
	StreamID   string    `json:"stream_id"`
	ProcessID  int       `json:"process_id"`
	ExitCode   int       `json:"exit_code"`
	Reason     string    `json:"reason,omitempty"`
	Deliberate bool      `json:"deliberate"`
	Terminal   bool      `json:"terminal"`
	At         time.Time `json:"at"`
}

// DeadProcessDetected is the health monitor's synthetic signal for a
// RUNNING record whose PID no longer denotes a live worker. The decision
// of what to do stays with the reconciler.
type DeadProcessDetected struct {
	StreamID  string    `json:"stream_id"`
	ProcessID int       `json:"process_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// RestartDue fires when a crash-retry backoff timer elapses for a RETRYING
// record. A deliberate stop cancels the timer before this is published.
type RestartDue struct {
	StreamID string    `json:"stream_id"`
	Attempt  int       `json:"attempt"`
	At       time.Time `json:"at"`
}

// ResourceAlertRaised carries one threshold crossing from the resource
// monitor. Remediation never flows through the reconciler.
type ResourceAlertRaised struct {
	Alert models.ResourceAlert `json:"alert"`
}

// ReconcileRequested asks the reconciler for a full pass, e.g. after an
// ingestor reconnect.
type ReconcileRequested struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
