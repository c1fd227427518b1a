// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Keys used in the raw mapping reported by get_monitor_data.
const (
	KeyIdleCPU = "idle_cpu"
	KeyFreeMem = "free_mem"
)

var gpuFreeMemKey = regexp.MustCompile(`^gpu(\d+)-free-mem$`)

// GPUFreeMemKey returns the monitor key for the given GPU's free
// memory, e.g. "gpu0-free-mem".
func GPUFreeMemKey(index int) string {
	return fmt.Sprintf("gpu%d-free-mem", index)
}

// GPU is the free memory of one GPU on a machine.
type GPU struct {
	Index   int
	FreeMem float64
}

// A ResourceSnapshot describes a machine's available resources at
// the time get_monitor_data ran. IdleCPU is a percentage; memory
// values are in the same unit as Run.RequiredRAM and
// Run.RequiredGPURAM.
type ResourceSnapshot struct {
	IdleCPU float64
	FreeMem float64
	GPUs    []GPU // sorted by Index

	// Raw holds every key/value the monitor reported, including
	// ones the scheduler does not interpret.
	Raw map[string]float64
}

// SnapshotFromMonitorData converts the monitor's flat key/value
// mapping into a ResourceSnapshot. This is the only place the
// "gpu<N>-free-mem" key pattern is interpreted.
func SnapshotFromMonitorData(data map[string]float64) (ResourceSnapshot, error) {
	snap := ResourceSnapshot{Raw: data}
	var ok bool
	if snap.IdleCPU, ok = data[KeyIdleCPU]; !ok {
		return ResourceSnapshot{}, fmt.Errorf("monitor data has no %q entry", KeyIdleCPU)
	}
	if snap.FreeMem, ok = data[KeyFreeMem]; !ok {
		return ResourceSnapshot{}, fmt.Errorf("monitor data has no %q entry", KeyFreeMem)
	}
	for key, val := range data {
		m := gpuFreeMemKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return ResourceSnapshot{}, fmt.Errorf("monitor data key %q: %w", key, err)
		}
		snap.GPUs = append(snap.GPUs, GPU{Index: idx, FreeMem: val})
	}
	sort.Slice(snap.GPUs, func(i, j int) bool {
		return snap.GPUs[i].Index < snap.GPUs[j].Index
	})
	return snap, nil
}

// MonitorData returns the flat key/value form of the snapshot, as
// reported by get_monitor_data.
func (rs ResourceSnapshot) MonitorData() map[string]float64 {
	data := make(map[string]float64, len(rs.Raw)+2+len(rs.GPUs))
	for k, v := range rs.Raw {
		data[k] = v
	}
	data[KeyIdleCPU] = rs.IdleCPU
	data[KeyFreeMem] = rs.FreeMem
	for _, gpu := range rs.GPUs {
		data[GPUFreeMemKey(gpu.Index)] = gpu.FreeMem
	}
	return data
}

// FirstGPUWithFreeMem returns the lowest-numbered GPU whose free
// memory is strictly greater than required.
func (rs ResourceSnapshot) FirstGPUWithFreeMem(required float64) (GPU, bool) {
	for _, gpu := range rs.GPUs {
		if gpu.FreeMem > required {
			return gpu, true
		}
	}
	return GPU{}, false
}
