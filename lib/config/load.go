// Copyright (C) The fleetsched Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the scheduler configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"github.com/experiment-suite/fleetsched/sdk/go/fleet"
	"github.com/ghodss/yaml"
)

type logger interface {
	Warnf(string, ...interface{})
}

// Load reads a YAML config from rdr and applies it on top of the
// defaults. Keys that do not appear in the default config are
// reported through log and otherwise ignored.
func Load(rdr io.Reader, log logger) (*fleet.Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg fleet.Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, err
		}
		if log != nil {
			err = checkUnknownKeys(buf, log)
			if err != nil {
				return nil, err
			}
		}
	}
	err = Check(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads the config file at path. If path is the default
// config file and it does not exist, the defaults are used.
func LoadFile(path string, log logger) (*fleet.Config, error) {
	if path == "-" {
		return Load(os.Stdin, log)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) && path == fleet.DefaultConfigFile {
		if log != nil {
			log.Warnf("config file %s does not exist, using defaults", path)
		}
		return Load(bytes.NewReader(nil), log)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Check returns an error if cfg has invalid values.
func Check(cfg *fleet.Config) error {
	for _, ma := range cfg.Fleet.Machines {
		if _, err := fleet.ParseMachineAddress(string(ma)); err != nil {
			return fmt.Errorf("Fleet.Machines: %w", err)
		}
	}
	if cfg.Fleet.Self != "" {
		if _, err := fleet.ParseMachineAddress(string(cfg.Fleet.Self)); err != nil {
			return fmt.Errorf("Fleet.Self: %w", err)
		}
	}
	if cfg.Fleet.SelfHostPattern != "" {
		re, err := regexp.Compile(cfg.Fleet.SelfHostPattern)
		if err != nil {
			return fmt.Errorf("Fleet.SelfHostPattern: %w", err)
		}
		if re.NumSubexp() != 1 {
			return fmt.Errorf("Fleet.SelfHostPattern %q must have exactly one capture group", cfg.Fleet.SelfHostPattern)
		}
	}
	if cfg.Scheduler.WaitInterval <= 0 {
		return fmt.Errorf("Scheduler.WaitInterval must be positive, not %s", cfg.Scheduler.WaitInterval)
	}
	if cfg.Scheduler.WarnAfterEmptyCycles < 0 {
		return fmt.Errorf("Scheduler.WarnAfterEmptyCycles must not be negative")
	}
	if cfg.ManagementListen != "" && cfg.ManagementToken == "" {
		return fmt.Errorf("ManagementToken must be set if ManagementListen is set")
	}
	if cfg.Dispatch.RemoteCommand == "" {
		return fmt.Errorf("Dispatch.RemoteCommand must not be empty")
	}
	return nil
}

// checkUnknownKeys logs a warning for each key in buf that has no
// counterpart in the default config.
func checkUnknownKeys(buf []byte, log logger) error {
	var given, defaults map[string]interface{}
	if err := yaml.Unmarshal(buf, &given); err != nil {
		return err
	}
	if err := yaml.Unmarshal(DefaultYAML, &defaults); err != nil {
		return err
	}
	for _, key := range unknownKeys("", given, defaults) {
		log.Warnf("deprecated or unknown config entry: %s", key)
	}
	return nil
}

func unknownKeys(prefix string, given, defaults map[string]interface{}) []string {
	var unknown []string
	for k, v := range given {
		dv, ok := defaults[k]
		if !ok {
			unknown = append(unknown, prefix+k)
			continue
		}
		gm, gok := v.(map[string]interface{})
		dm, dok := dv.(map[string]interface{})
		if gok && dok {
			unknown = append(unknown, unknownKeys(prefix+k+".", gm, dm)...)
		}
	}
	sort.Strings(unknown)
	return unknown
}
