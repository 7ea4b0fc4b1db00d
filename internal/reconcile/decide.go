// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package reconcile

import (
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/store"
)

// decision is the outcome of comparing one identity's declared and observed
// state. Returned, never thrown: every branch is handled exhaustively by the
// apply switch.
type decision struct {
	kind   models.PlanActionKind
	reason string
}

// decide applies the precedence rules for a single stream identity, first
// match wins. rec is the observed record (nil when none), desired the
// durable declaration (nil when the identity is not declared), alive the
// process handle validator.
func decide(rec *models.StreamRecord, desired *store.DesiredStream, alive func(pid int) bool) decision {
	if desired == nil {
		switch {
		case rec == nil || !rec.State.Active():
			return decision{kind: models.PlanNoop, reason: "not declared, not observed"}
		case rec.ProcessID == 0:
			// PENDING or RETRYING bookkeeping with no live process: cancel
			// rather than race a start that has not produced a process yet.
			return decision{kind: models.PlanCancel, reason: "stop before process existed"}
		default:
			return decision{kind: models.PlanStop, reason: "stop declared"}
		}
	}

	if rec == nil || rec.State.Terminal() {
		return decision{kind: models.PlanStart, reason: "no active record"}
	}

	if rec.DestinationKey != desired.DestinationKey {
		return decision{kind: models.PlanReplace, reason: "destination key rotated"}
	}

	switch rec.State {
	case models.StatePending:
		// A start is already in flight; a second intent is absorbed.
		return decision{kind: models.PlanNoop, reason: "start already pending"}
	case models.StateRetrying:
		return decision{kind: models.PlanNoop, reason: "restart already scheduled"}
	}

	if rec.ProcessID == 0 {
		// RUNNING without a process id is corrupted bookkeeping.
		return decision{kind: models.PlanMarkDead, reason: "record has no process id"}
	}

	if alive(rec.ProcessID) {
		return decision{kind: models.PlanNoop, reason: "duplicate intent, process alive"}
	}

	return decision{kind: models.PlanMarkDead, reason: "recorded process is dead"}
}
