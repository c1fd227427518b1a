// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"
	"errors"
	"sort"
)

// RunStatus is the spin-up state of one launched run, as reported by
// get_xid_info. Hostname is the machine the run was placed on, which
// is not necessarily the machine that reported it.
type RunStatus struct {
	SpunUp   bool   `json:"spun_up"`
	Hostname string `json:"hostname"`
}

// UnmarshalJSON implements json.Unmarshaler. Both fields are
// required.
func (rs *RunStatus) UnmarshalJSON(data []byte) error {
	var raw struct {
		SpunUp   *bool   `json:"spun_up"`
		Hostname *string `json:"hostname"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.SpunUp == nil {
		return errors.New(`run status has no "spun_up" field`)
	}
	if raw.Hostname == nil {
		return errors.New(`run status has no "hostname" field`)
	}
	rs.SpunUp, rs.Hostname = *raw.SpunUp, *raw.Hostname
	return nil
}

// An XidStatusReport maps run numbers to their spin-up state, for
// the runs of one XID that a machine knows about.
type XidStatusReport map[int]RunStatus

// RunNums returns the report's run numbers in ascending order.
func (rep XidStatusReport) RunNums() []int {
	nums := make([]int, 0, len(rep))
	for n := range rep {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// ExperimentReply is the reply to create_experiment.
type ExperimentReply struct {
	ExperimentDir string `json:"experiment_dir"`
}

// UnmarshalJSON implements json.Unmarshaler. ExperimentDir is
// required and must not be empty.
func (er *ExperimentReply) UnmarshalJSON(data []byte) error {
	var raw struct {
		ExperimentDir *string `json:"experiment_dir"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ExperimentDir == nil || *raw.ExperimentDir == "" {
		return errors.New(`reply has no "experiment_dir" field`)
	}
	er.ExperimentDir = *raw.ExperimentDir
	return nil
}
