// Streamwarden - Camera Relay Fleet Supervision and Reconciliation
// Copyright 2026 Streamwarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package monitor

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shirou/gopsutil/v4/sensors"
)

// Sample is one host resource snapshot.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	TemperatureC  float64
	ProcessCount  int
}

// Sampler produces host resource snapshots.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// hostSampler reads the real host via gopsutil. Sensor data is optional:
// headless VMs report no temperatures and that is not an error.
type hostSampler struct {
	diskPath string
}

func (h *hostSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, err
	}
	if len(cpuPercents) > 0 {
		s.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemoryPercent = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return s, err
	}
	s.DiskPercent = usage.UsedPercent

	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if t.Temperature > s.TemperatureC {
				s.TemperatureC = t.Temperature
			}
		}
	}

	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.ProcessCount = len(pids)

	return s, nil
}
