// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/streamwarden/streamwarden/internal/metrics"
)

// DurableFileName is the desired-config file under the data dir.
const DurableFileName = "desired.json"

// DesiredStream is one durable entry: the controller's last declaration for
// a stream identity. It survives reboot and seeds recovery.
type DesiredStream struct {
	SourceURL      string    `json:"source_url"`
	DestinationKey string    `json:"destination_key"`
	DeclaredAt     time.Time `json:"declared_at"`
}

// Durable is the durable tier. Writes are only triggered by deliberate
// start/stop declarations, coalesced within a debounce window, and flushed
// synchronously on shutdown. Transient health failures never touch it.
type Durable struct {
	mu       sync.Mutex
	path     string
	entries  map[string]DesiredStream
	debounce time.Duration
	timer    *time.Timer
	dirty    bool
	logger   zerolog.Logger
}

// OpenDurable loads the desired-config file from dataDir, failing open to
// empty state when the file is missing or corrupted.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func OpenDurable(dataDir string, debounce time.Duration, logger zerolog.Logger) (*Durable, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d := &Durable{
		path:     filepath.Join(dataDir, DurableFileName),
		entries:  make(map[string]DesiredStream),
		debounce: debounce,
		logger:   logger,
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", d.path).Msg("Desired config unreadable, starting empty")
		}
		return d, nil
	}
	if err := json.Unmarshal(data, &d.entries); err != nil {
		logger.Warn().Err(err).Str("path", d.path).Msg("Desired config corrupted, starting empty")
		d.entries = make(map[string]DesiredStream)
	}
	return d, nil
}

// SetDesired records a start declaration and schedules a debounced write.
func (d *Durable) SetDesired(id string, entry DesiredStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id] = entry
	d.markDirtyLocked()
}

// RemoveDesired records a stop declaration and schedules a debounced write.
// Removing an unknown identity is a no-op and schedules nothing.
func (d *Durable) RemoveDesired(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return
	}
	delete(d.entries, id)
	d.markDirtyLocked()
}

// Get returns the durable entry for an identity, if declared.
func (d *Durable) Get(id string) (DesiredStream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	return e, ok
}

// Snapshot returns a copy of all declared entries.
func (d *Durable) Snapshot() map[string]DesiredStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]DesiredStream, len(d.entries))
	for id, e := range d.entries {
		out[id] = e
	}
	return out
}

// Flush writes pending changes synchronously. Called on shutdown; safe to
// call when nothing is dirty.
func (d *Durable) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.dirty {
		return nil
	}
	return d.writeLocked()
}

// markDirtyLocked arms the coalescing timer. With a zero debounce the write
// happens before the declaring call returns.
func (d *Durable) markDirtyLocked() {
	d.dirty = true
	if d.debounce <= 0 {
		if err := d.writeLocked(); err != nil {
			d.logger.Error().Err(err).Msg("Desired config write failed")
		}
		return
	}
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.timer = nil
		if !d.dirty {
			return
		}
		if err := d.writeLocked(); err != nil {
			d.logger.Error().Err(err).Msg("Desired config write failed")
		}
	})
}

func (d *Durable) writeLocked() error {
	if err := atomicWriteJSON(d.path, d.entries); err != nil {
		return err
	}
	d.dirty = false
	metrics.DurableWrites.Inc()
	return nil
}
