// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package procsup

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"
)

// IsAlive reports whether pid denotes a live process whose executable name
// matches expectation. A PID that exists but belongs to a different binary
// is treated as dead: the id was reused by an unrelated process since the
// record was written.
func IsAlive(pid int, expectedExecutable string) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	name, err := p.Name()
	if err != nil {
		return false
	}
	return name == filepath.Base(expectedExecutable)
}

// FindByExecutable returns the PIDs of all live processes whose executable
// name matches. Used by the boot classifier's orphan sweep.
func FindByExecutable(executable string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	want := filepath.Base(executable)
	var pids []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if name == want {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}
