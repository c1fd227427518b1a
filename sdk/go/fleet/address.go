// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"strings"
)

// A MachineAddress identifies a worker as "user@host".
type MachineAddress string

// ParseMachineAddress checks that s has the form "user@host".
func ParseMachineAddress(s string) (MachineAddress, error) {
	i := strings.Index(s, "@")
	if i < 1 || i == len(s)-1 || strings.Count(s, "@") != 1 {
		return "", fmt.Errorf("invalid machine address %q: expected user@host", s)
	}
	return MachineAddress(s), nil
}

// User returns the part before the "@", or "" if there is none.
func (ma MachineAddress) User() string {
	if i := strings.Index(string(ma), "@"); i >= 0 {
		return string(ma)[:i]
	}
	return ""
}

// Host returns the part after the "@", or the whole address if there
// is no "@".
func (ma MachineAddress) Host() string {
	if i := strings.Index(string(ma), "@"); i >= 0 {
		return string(ma)[i+1:]
	}
	return string(ma)
}

func (ma MachineAddress) String() string {
	return string(ma)
}
