// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import "fmt"

// A Run is one queued job: an entry point to execute with a given
// argument string, environment, and resource requirement. Runs that
// share an XID were queued together.
type Run struct {
	XID            int64    `json:"xid"`
	RunNum         int      `json:"run_num"`
	RequiredRAM    float64  `json:"required_ram"`
	RequiredGPURAM *float64 `json:"required_gpu_ram,omitempty"`
	DataDir        string   `json:"data_dir"`
	EnvName        string   `json:"env_name"`
	PythonPath     string   `json:"pythonpath"`
	EntryFile      string   `json:"entry_file"`
	ArgString      string   `json:"arg_string"`
	EnvVars        string   `json:"env_vars"`
}

// NeedsGPU reports whether the run requires GPU memory.
func (r Run) NeedsGPU() bool {
	return r.RequiredGPURAM != nil
}

func (r Run) String() string {
	return fmt.Sprintf("xid %d run %d", r.XID, r.RunNum)
}
