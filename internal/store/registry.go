// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package store persists Streamwarden's two state tiers as plain,
// human-inspectable JSON maps keyed by stream identity:
//
//   - the ephemeral registry of currently-believed-running records, written
//     synchronously on every state transition and invalidated by a fresh
//     boot;
//   - the durable desired-config declared by the controller, written
//     debounced and flushed synchronously on shutdown, valid across reboot.
//
// Corrupted or unparsable files are treated as empty state, never as a
// fatal startup error.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// RegistryFileName is the ephemeral registry file under the data dir.
const RegistryFileName = "registry.json"

// Registry is the ephemeral tier: the authority for crash recovery within a
// single uptime session. Every mutation is flushed to disk before the
// mutating call returns.
type Registry struct {
	mu      sync.RWMutex
	path    string
	records map[string]*models.StreamRecord
	logger  zerolog.Logger
}

// OpenRegistry loads the registry file from dataDir, failing open to empty
// state when the file is missing or corrupted.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func OpenRegistry(dataDir string, logger zerolog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	r := &Registry{
		path:    filepath.Join(dataDir, RegistryFileName),
		records: make(map[string]*models.StreamRecord),
		logger:  logger,
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", r.path).Msg("Registry unreadable, starting empty")
		}
		return r, nil
	}
	if err := json.Unmarshal(data, &r.records); err != nil {
		logger.Warn().Err(err).Str("path", r.path).Msg("Registry corrupted, starting empty")
		r.records = make(map[string]*models.StreamRecord)
	}
	return r, nil
}

// Get returns a copy of the record for the identity, if present.
func (r *Registry) Get(id string) (*models.StreamRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Put stores the record and synchronously writes the file. The stored copy
// is detached from the caller's pointer.
func (r *Registry) Put(rec *models.StreamRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec.Clone()
	metrics.RegistryWrites.Inc()
	return r.writeLocked()
}

// UpdateExisting applies fn to the stored record and writes the file, but
// only while the identity is still present. Callers that decided on a
// snapshot use this so they cannot re-insert a record deleted since the
// snapshot was taken.
func (r *Registry) UpdateExisting(id string, fn func(rec *models.StreamRecord)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false, nil
	}
	fn(rec)
	metrics.RegistryWrites.Inc()
	return true, r.writeLocked()
}

// Delete removes the record and synchronously writes the file. Deleting a
// missing identity is a no-op.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return nil
	}
	delete(r.records, id)
	metrics.RegistryWrites.Inc()
	return r.writeLocked()
}

// Snapshot returns copies of all records, ordered by identity for stable
// iteration in plans and the ops API.
func (r *Registry) Snapshot() []*models.StreamRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.StreamRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear wipes all records, used on a fresh-boot classification.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*models.StreamRecord)
	return r.writeLocked()
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) writeLocked() error {
	return atomicWriteJSON(r.path, r.records)
}

// atomicWriteJSON writes v as indented JSON via a temp file and rename so a
// crash mid-write never leaves a truncated file behind.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
