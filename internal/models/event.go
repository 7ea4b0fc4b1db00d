// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

// ControllerEventType enumerates the event types the controller may push.
type ControllerEventType string

const (
	EventStart   ControllerEventType = "start"
	EventStop    ControllerEventType = "stop"
	EventRestart ControllerEventType = "restart"
	EventHealth  ControllerEventType = "health"
	EventConfig  ControllerEventType = "config"
	EventSystem  ControllerEventType = "system"
)

// ControllerEvent is the wire format of one record on the controller's
// push-event channel. Records arrive as newline-delimited "data: <json>"
// lines; delivery is at-least-once, so the same event may be observed again
// after a reconnect.
type ControllerEvent struct {
	EventType          ControllerEventType `json:"eventType"`
	CameraURL          string              `json:"cameraUrl,omitempty"`
	StreamKey          string              `json:"streamKey,omitempty"`
	ReconciliationMode string              `json:"reconciliationMode,omitempty"`
}

// actionable reports whether the event type carries a stream intent.
func (e *ControllerEvent) actionable() bool {
	switch e.EventType {
	case EventStart, EventStop, EventRestart:
		return true
	default:
		return false
	}
}

// Validate checks the required fields for actionable events. Non-actionable
// events (health, config, system) always validate; they never become
// intents.
func (e *ControllerEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event: missing eventType")
	}
	if !e.actionable() {
		return nil
	}
	if e.CameraURL == "" {
		return fmt.Errorf("event %s: missing cameraUrl", e.EventType)
	}
	u, err := url.Parse(e.CameraURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("event %s: malformed cameraUrl %q", e.EventType, e.CameraURL)
	}
	if e.EventType != EventStop && e.StreamKey == "" {
		return fmt.Errorf("event %s: missing streamKey", e.EventType)
	}
	return nil
}

// Intents normalizes the event into zero or more stream intents. A restart
// becomes a stop followed by a start for the same identity; health, config
// and system events yield none.
func (e *ControllerEvent) Intents(observedAt time.Time) []StreamIntent {
	if !e.actionable() {
		return nil
	}
	id := StreamIdentity(e.CameraURL)
	base := StreamIntent{
		StreamID:       id,
		SourceURL:      e.CameraURL,
		DestinationKey: e.StreamKey,
		ObservedAt:     observedAt,
	}
	switch e.EventType {
	case EventStart:
		base.Action = ActionStart
		return []StreamIntent{base}
	case EventStop:
		base.Action = ActionStop
		return []StreamIntent{base}
	case EventRestart:
		stop := base
		stop.Action = ActionStop
		start := base
		start.Action = ActionStart
		return []StreamIntent{stop, start}
	default:
		return nil
	}
}

// DedupeHash is a content+identity hash used to suppress exact duplicates
// replayed by the controller across a reconnect.
func (e *ControllerEvent) DedupeHash() string {
	sum := sha256.Sum256([]byte(string(e.EventType) + "|" + e.CameraURL + "|" + e.StreamKey))
	return hex.EncodeToString(sum[:])
}
