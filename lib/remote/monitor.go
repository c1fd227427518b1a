// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"context"
	"encoding/csv"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
)

// Memory figures in a snapshot are in GiB.
const gib = 1 << 30

// Interval over which CPU utilization is measured.
var cpuSampleInterval = time.Second

type monitor interface {
	idleCPU(ctx context.Context) (float64, error)
	freeMem(ctx context.Context) (uint64, error)
	gpus(ctx context.Context) ([]fleet.GPU, error)
}

// MonitorData returns this machine's current resources: idle CPU
// percentage, available memory in GiB, and free memory (GiB) on each
// GPU.
func (ops *Ops) MonitorData(ctx context.Context) (fleet.ResourceSnapshot, error) {
	idle, err := ops.monitor.idleCPU(ctx)
	if err != nil {
		return fleet.ResourceSnapshot{}, err
	}
	free, err := ops.monitor.freeMem(ctx)
	if err != nil {
		return fleet.ResourceSnapshot{}, err
	}
	gpus, err := ops.monitor.gpus(ctx)
	if err != nil {
		return fleet.ResourceSnapshot{}, err
	}
	ops.logger.WithFields(logrus.Fields{
		"IdleCPU": idle,
		"FreeMem": humanize.IBytes(free),
		"GPUs":    len(gpus),
	}).Debug("collected monitor data")
	return fleet.ResourceSnapshot{
		IdleCPU: idle,
		FreeMem: float64(free) / gib,
		GPUs:    gpus,
	}, nil
}

type hostMonitor struct {
	nvidiaSMI string
	logger    logrus.FieldLogger
}

func (hm *hostMonitor) idleCPU(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false)
	if err != nil {
		return 0, errors.Wrap(err, "error measuring CPU utilization")
	}
	if len(pct) != 1 {
		return 0, errors.Errorf("expected 1 CPU utilization figure, got %d", len(pct))
	}
	return 100 - pct[0], nil
}

func (hm *hostMonitor) freeMem(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "error reading memory statistics")
	}
	return vm.Available, nil
}

// gpus returns the free memory on each GPU reported by nvidia-smi.
// A machine without nvidia-smi has no GPUs.
func (hm *hostMonitor) gpus(ctx context.Context) ([]fleet.GPU, error) {
	if hm.nvidiaSMI == "" {
		return nil, nil
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, hm.nvidiaSMI, "--query-gpu=index,memory.free", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		hm.logger.WithError(err).Debug("nvidia-smi not available, assuming no GPUs")
		return nil, nil
	} else if err != nil {
		hm.logger.WithError(err).WithField("output", string(out)).Warn("error while executing nvidia-smi")
		return nil, errors.Wrap(err, "error executing nvidia-smi")
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI parses "index, memory.free" CSV records, memory in
// MiB.
func parseNvidiaSMI(out string) ([]fleet.GPU, error) {
	var gpus []fleet.GPU
	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	for {
		record, err := r.Read()
		switch {
		case err == io.EOF:
			sort.Slice(gpus, func(i, j int) bool { return gpus[i].Index < gpus[j].Index })
			return gpus, nil
		case err != nil:
			return nil, errors.Wrap(err, "error parsing output of nvidia-smi as CSV")
		case len(record) != 2:
			return nil, errors.New(
				"error parsing output of nvidia-smi; GPU record should have exactly 2 fields")
		}
		index, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, errors.Wrap(
				err, "error parsing output of nvidia-smi; index of GPU cannot be converted to int")
		}
		mib, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, errors.Wrap(
				err, "error parsing output of nvidia-smi; free memory cannot be converted to a number")
		}
		gpus = append(gpus, fleet.GPU{Index: index, FreeMem: mib / 1024})
	}
}
