// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package shellquote quotes strings so they survive being passed
// through a POSIX shell command line as single words.
package shellquote

import (
	"regexp"
	"strings"
)

var safe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s enclosed in single quotes, with each embedded
// single quote replaced by '\”.
func Quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// QuoteIfNeeded returns s unchanged if it is non-empty and consists
// only of characters that have no special meaning to the shell;
// otherwise it returns Quote(s).
func QuoteIfNeeded(s string) string {
	if safe.MatchString(s) {
		return s
	}
	return Quote(s)
}

// Join quotes each argument as needed and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = QuoteIfNeeded(arg)
	}
	return strings.Join(quoted, " ")
}
