// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags parses args into f, printing usage and error messages
// to stderr.
//
// positional describes the positional arguments, e.g. "queue-file"
// or "operation [args...]". Each leading word not in brackets is
// required. Extra arguments are accepted only if positional ends
// with "..." ("" means no positional arguments at all).
//
// If ok is false the caller should exit with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	usage := func() {
		fmt.Fprintf(stderr, "usage: %s [options] %s\n", prog, positional)
		f.SetOutput(stderr)
		f.PrintDefaults()
	}
	err := f.Parse(args)
	if err == flag.ErrHelp {
		usage()
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
	min, variadic := positionalArity(positional)
	if f.NArg() < min {
		usage()
		return false, 2
	}
	if !variadic && f.NArg() > min {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args()[min:])
		return false, 2
	}
	return true, 0
}

func positionalArity(positional string) (min int, variadic bool) {
	words := strings.Fields(positional)
	for _, w := range words {
		if strings.HasPrefix(w, "[") {
			break
		}
		min++
	}
	if len(words) > 0 {
		variadic = strings.HasSuffix(words[len(words)-1], "...") || strings.HasSuffix(words[len(words)-1], "...]")
	}
	return
}
