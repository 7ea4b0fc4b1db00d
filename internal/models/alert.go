// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import "time"

// AlertType identifies the sampled host resource an alert refers to.
type AlertType string

const (
	AlertMemory       AlertType = "memory"
	AlertCPU          AlertType = "cpu"
	AlertTemperature  AlertType = "temperature"
	AlertDisk         AlertType = "disk"
	AlertProcessCount AlertType = "processCount"
)

// AlertLevel is the severity of a resource alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// ResourceAlert records one threshold crossing observed by the resource
// monitor. Alerts are transient and retained only in a bounded history
// ring; they never start or stop a stream.
type ResourceAlert struct {
	Type      AlertType  `json:"type"`
	Level     AlertLevel `json:"level"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}
