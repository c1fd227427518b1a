// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package runqueue stores a job group's pending runs in a YAML (or
// JSON) file.
//
// A queue file looks like:
//
//	xid: 7
//	machines: [alice@m1.example.edu, alice@m2.example.edu]
//	source_repo: https://git.example.edu/alice/experiments.git
//	data_dir: /home/alice/data
//	env_name: jax
//	experiments_dir: /home/alice/experiments
//	runs:
//	- run_num: 0
//	  required_ram: 4
//	  entry_file: train.py
//	  arg_string: --seed 0
//
// Runs are launched in file order. Each Pop rewrites the file without
// its first run, so a scheduler restarted after a crash resumes at
// the first run it had not finished with.
package runqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/ghodss/yaml"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Open when another process has the queue
// open.
var ErrLocked = errors.New("run queue is in use by another process")

// Header holds the settings shared by all runs in a queue file.
type Header struct {
	XID            int64                  `json:"xid"`
	Machines       []fleet.MachineAddress `json:"machines"`
	SourceRepo     string                 `json:"source_repo"`
	DataDir        string                 `json:"data_dir"`
	EnvName        string                 `json:"env_name"`
	ExperimentsDir string                 `json:"experiments_dir"`
}

type document struct {
	Header
	Runs []fleet.Run `json:"runs"`
}

// File is a run queue backed by a file. Only one File (in any
// process) can have a given path open at a time.
type File struct {
	path   string
	lock   *os.File
	header Header
	runs   []fleet.Run
	mtx    sync.Mutex
}

// Open locks and loads the queue file at path. The lock is held on
// path+".lock" until Close.
//
// Runs that do not specify an xid get the header's.
func Open(path string) (*File, error) {
	lock, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	err = unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		lock.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	} else if err != nil {
		lock.Close()
		return nil, fmt.Errorf("flock %s: %w", lock.Name(), err)
	}
	doc, err := load(path)
	if err != nil {
		lock.Close()
		return nil, err
	}
	return &File{
		path:   path,
		lock:   lock,
		header: doc.Header,
		runs:   doc.Runs,
	}, nil
}

func load(path string) (*document, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	err = yaml.Unmarshal(buf, &doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, ma := range doc.Machines {
		if _, err := fleet.ParseMachineAddress(string(ma)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	for i := range doc.Runs {
		if doc.Runs[i].XID == 0 {
			doc.Runs[i].XID = doc.XID
		}
		if doc.Runs[i].EntryFile == "" {
			return nil, fmt.Errorf("%s: run %d (%s) has no entry_file", path, i, doc.Runs[i])
		}
	}
	return &doc, nil
}

// Header returns the queue's shared settings.
func (f *File) Header() Header {
	return f.header
}

// Len returns the number of runs remaining.
func (f *File) Len() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.runs)
}

// Peek returns a copy of the first run, or nil if the queue is
// empty.
func (f *File) Peek() (*fleet.Run, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.lock == nil {
		return nil, os.ErrClosed
	}
	if len(f.runs) == 0 {
		return nil, nil
	}
	run := f.runs[0]
	return &run, nil
}

// Pop removes the first run. The file is replaced atomically: after
// a crash it holds either the old or the new list.
func (f *File) Pop() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.lock == nil {
		return os.ErrClosed
	}
	if len(f.runs) == 0 {
		return errors.New("run queue is empty")
	}
	err := WriteFile(f.path, f.header, f.runs[1:])
	if err != nil {
		return err
	}
	f.runs = f.runs[1:]
	return nil
}

// Close releases the lock.
func (f *File) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.lock == nil {
		return nil
	}
	err := f.lock.Close()
	f.lock = nil
	return err
}

// WriteFile writes a queue file by writing a temporary file in the
// same directory and renaming it over path. An existing file's
// permissions are preserved; a new file gets mode 0644.
func WriteFile(path string, header Header, runs []fleet.Run) error {
	if runs == nil {
		runs = []fleet.Run{}
	}
	buf, err := yaml.Marshal(document{Header: header, Runs: runs})
	if err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	} else if !os.IsNotExist(err) {
		return err
	}
	tmpfile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	if err := tmpfile.Chmod(mode); err != nil {
		tmpfile.Close()
		os.Remove(tmpfile.Name())
		return err
	}
	if _, err := tmpfile.Write(buf); err != nil {
		tmpfile.Close()
		os.Remove(tmpfile.Name())
		return fmt.Errorf("writing %s: %w", tmpfile.Name(), err)
	}
	if err := tmpfile.Sync(); err != nil {
		tmpfile.Close()
		os.Remove(tmpfile.Name())
		return fmt.Errorf("sync %s: %w", tmpfile.Name(), err)
	}
	if err := tmpfile.Close(); err != nil {
		os.Remove(tmpfile.Name())
		return err
	}
	if err := os.Rename(tmpfile.Name(), path); err != nil {
		os.Remove(tmpfile.Name())
		return err
	}
	return nil
}
