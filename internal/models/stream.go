// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package models defines the core data types shared across Streamwarden:
// stream intents, stream records and their state machine, process handles,
// reconciliation plans and resource alerts.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// StreamState is the lifecycle state of a supervised relay stream.
type StreamState string

const (
	// StatePending means a start intent was accepted but no process exists yet.
	StatePending StreamState = "PENDING"
	// StateRunning means the worker process was spawned and is believed alive.
	StateRunning StreamState = "RUNNING"
	// StateFailed means the worker died or bookkeeping was found corrupted.
	StateFailed StreamState = "FAILED"
	// StateRetrying means a restart is scheduled after a crash.
	StateRetrying StreamState = "RETRYING"
	// StateStopped means the controller deliberately stopped the stream.
	StateStopped StreamState = "STOPPED"
)

// Terminal reports whether the state ends the record's lifecycle.
// A FAILED record is terminal only once retries are exhausted; the
// reconciler checks the retry ceiling separately.
func (s StreamState) Terminal() bool {
	return s == StateStopped
}

// Active reports whether a record in this state occupies the stream identity.
func (s StreamState) Active() bool {
	switch s {
	case StatePending, StateRunning, StateRetrying:
		return true
	default:
		return false
	}
}

// validTransitions encodes the legal state machine edges.
var validTransitions = map[StreamState][]StreamState{
	StatePending:  {StateRunning, StateFailed, StateStopped},
	StateRunning:  {StateFailed, StateStopped},
	StateFailed:   {StateRetrying, StatePending, StateStopped},
	StateRetrying: {StateRunning, StateFailed, StateStopped, StatePending},
	StateStopped:  {},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s StreamState) CanTransition(next StreamState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IntentAction is the desired-state change carried by an intent.
type IntentAction string

const (
	ActionStart IntentAction = "start"
	ActionStop  IntentAction = "stop"
)

// StreamIntent is a normalized, deduplicated unit of desired-state change.
// Produced by the ingestor, consumed once by the reconciler.
type StreamIntent struct {
	StreamID       string       `json:"stream_id"`
	SourceURL      string       `json:"source_url"`
	DestinationKey string       `json:"destination_key"`
	Action         IntentAction `json:"action"`
	ObservedAt     time.Time    `json:"observed_at"`
}

// StreamIdentity derives the logical stream identity from a source URL.
// One physical camera maps to exactly one identity regardless of how the
// controller rotates destination credentials.
func StreamIdentity(sourceURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(strings.TrimSpace(sourceURL), "/")))
	return hex.EncodeToString(sum[:])[:16]
}

// StreamRecord is the supervisor-side bookkeeping for one stream identity.
// Owned exclusively by the reconciler/supervisor pair; every transition is
// persisted to the ephemeral registry.
type StreamRecord struct {
	ID             string      `json:"id"`
	SourceURL      string      `json:"source_url"`
	DestinationKey string      `json:"destination_key"`
	State          StreamState `json:"state"`

	// ProcessID is nonzero only while State is RUNNING or RETRYING and the
	// recorded process last validated as alive.
	ProcessID int `json:"process_id,omitempty"`

	// HasAudio caches the last audio-probe result; AudioProbedAt bounds how
	// long a retry may reuse it without re-probing.
	HasAudio      bool      `json:"has_audio"`
	AudioProbedAt time.Time `json:"audio_probed_at,omitempty"`

	RetryCount        int       `json:"retry_count"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	LastHealthCheckAt time.Time `json:"last_health_check_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Clone returns a deep copy so snapshot readers never alias reconciler state.
func (r *StreamRecord) Clone() *StreamRecord {
	cp := *r
	return &cp
}

// ProcessHandle identifies a specific OS process incarnation. The expected
// executable name guards against PID reuse by an unrelated process.
type ProcessHandle struct {
	ProcessID          int       `json:"process_id"`
	ExpectedExecutable string    `json:"expected_executable"`
	StartedAt          time.Time `json:"started_at"`
}

// PlanActionKind tags a single decision of a reconciliation pass.
type PlanActionKind string

const (
	PlanStart    PlanActionKind = "start"
	PlanStop     PlanActionKind = "stop"
	PlanCancel   PlanActionKind = "cancel"
	PlanNoop     PlanActionKind = "noop"
	PlanMarkDead PlanActionKind = "mark_dead"
	PlanReplace  PlanActionKind = "replace"
)

// ReconciliationPlan is the output of one reconciliation pass. A pass is
// applied in full: failures of individual actions never silently drop the
// rest of the plan.
type ReconciliationPlan struct {
	ToStart []StreamIntent  `json:"to_start"`
	ToStop  []*StreamRecord `json:"to_stop"`
	ToKeep  []*StreamRecord `json:"to_keep"`
}

// Empty reports whether the plan requires no action. Re-running
// reconciliation against unchanged desired and observed state must yield an
// empty plan.
func (p ReconciliationPlan) Empty() bool {
	return len(p.ToStart) == 0 && len(p.ToStop) == 0
}
