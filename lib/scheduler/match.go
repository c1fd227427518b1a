// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
)

// A Placement is a machine, and optionally a GPU on it, chosen for a
// run.
type Placement struct {
	Machine fleet.MachineAddress
	GPU     *int
}

func (p Placement) String() string {
	if p.GPU == nil {
		return string(p.Machine)
	}
	return fmt.Sprintf("%s gpu %d", p.Machine, *p.GPU)
}

// Match returns the first machine in candidates that is not blocked,
// has a snapshot, and can accommodate run: idle CPU above
// minIdleCPU, free memory above run.RequiredRAM, and (if the run
// needs a GPU) a GPU whose free memory exceeds run.RequiredGPURAM.
// The lowest-numbered suitable GPU is chosen.
//
// This is greedy first fit: machines are considered in the given
// order, and no attempt is made to balance load.
func Match(candidates []fleet.MachineAddress, snapshots map[fleet.MachineAddress]fleet.ResourceSnapshot, blocking map[string]bool, run fleet.Run, minIdleCPU float64) (Placement, bool) {
	for _, addr := range candidates {
		if blocking[addr.Host()] {
			continue
		}
		snap, ok := snapshots[addr]
		if !ok {
			continue
		}
		if snap.IdleCPU <= minIdleCPU || snap.FreeMem <= run.RequiredRAM {
			continue
		}
		if !run.NeedsGPU() {
			return Placement{Machine: addr}, true
		}
		if gpu, ok := snap.FirstGPUWithFreeMem(*run.RequiredGPURAM); ok {
			idx := gpu.Index
			return Placement{Machine: addr, GPU: &idx}, true
		}
	}
	return Placement{}, false
}
