// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package ingest

import "sync"

// dedupeSet is a capped FIFO set of recent event hashes. The controller
// delivers at-least-once, so the same event may be replayed across a
// reconnect; an exact duplicate within the window is suppressed. When the
// set exceeds its cap the oldest hashes are pruned, after which a very old
// replay is treated as a fresh event again.
type dedupeSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newDedupeSet(capacity int) *dedupeSet {
	return &dedupeSet{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// add records the hash and reports whether it was new within the window.
func (d *dedupeSet) add(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[hash]; ok {
		return false
	}

	d.seen[hash] = struct{}{}
	d.order = append(d.order, hash)
	if len(d.order) > d.cap {
		evicted := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, evicted)
	}
	return true
}
