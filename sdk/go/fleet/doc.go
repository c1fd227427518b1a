// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package fleet defines the data types shared by the scheduler, the
// dispatch protocol, the run queue, and the worker-side operations:
// runs, machine addresses, resource snapshots, spin-up status
// reports, and scheduler configuration.
package fleet
