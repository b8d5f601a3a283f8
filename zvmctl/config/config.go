// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the process-wide settings of zvmctl.
package config

import (
	"flag"
	"fmt"

	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/pkg/refs"
)

// Defaults for platform settings.
const (
	DefaultMemoryBytes = 64 << 20
)

// Config holds the settings registered by RegisterFlags.
type Config struct {
	// Debug enables debug logging.
	Debug bool

	// LogFormat is the format of log lines: text or json.
	LogFormat string

	// LogFilename is where logs are written. Empty means stderr.
	LogFilename string

	// MemoryBytes is the size of the simulated physical memory given to
	// each scenario, unless the scenario overrides it.
	MemoryBytes uint64

	// PageTableCapacity bounds the number of page table entries. Zero is
	// unlimited.
	PageTableCapacity int

	// ReferenceLeak is the reference leak checking mode.
	ReferenceLeak refs.LeakMode
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("log", "", "file path where logs are written, default is stderr.")
	flagSet.Uint64("memory", DefaultMemoryBytes, "size in bytes of the simulated physical memory of each scenario.")
	flagSet.Int("page-table-capacity", 0, "maximum number of page table entries of each scenario, 0 is unlimited.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	var err error
	get := func(name string) any {
		f := flagSet.Lookup(name)
		if f == nil {
			err = fmt.Errorf("flag %q not registered", name)
			return nil
		}
		return f.Value.(flag.Getter).Get()
	}
	debug, logFormat, logFile := get("debug"), get("log-format"), get("log")
	memory, capacity, leak := get("memory"), get("page-table-capacity"), get("ref-leak-mode")
	if err != nil {
		return nil, err
	}
	conf.Debug = debug.(bool)
	conf.LogFormat = logFormat.(string)
	conf.LogFilename = logFile.(string)
	conf.MemoryBytes = memory.(uint64)
	conf.PageTableCapacity = capacity.(int)
	conf.ReferenceLeak = leak.(refs.LeakMode)
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MemoryBytes < 2*hostarch.PageSize {
		return fmt.Errorf("memory must be at least %d bytes, got %d", 2*hostarch.PageSize, c.MemoryBytes)
	}
	if c.PageTableCapacity < 0 {
		return fmt.Errorf("page-table-capacity must not be negative, got %d", c.PageTableCapacity)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting flags left at their default.
func (c *Config) ToFlags() []string {
	var rv []string
	if c.Debug {
		rv = append(rv, "--debug=true")
	}
	if c.LogFormat != "text" {
		rv = append(rv, fmt.Sprintf("--log-format=%s", c.LogFormat))
	}
	if c.LogFilename != "" {
		rv = append(rv, fmt.Sprintf("--log=%s", c.LogFilename))
	}
	if c.MemoryBytes != DefaultMemoryBytes {
		rv = append(rv, fmt.Sprintf("--memory=%d", c.MemoryBytes))
	}
	if c.PageTableCapacity != 0 {
		rv = append(rv, fmt.Sprintf("--page-table-capacity=%d", c.PageTableCapacity))
	}
	if c.ReferenceLeak != refs.NoLeakChecking {
		rv = append(rv, fmt.Sprintf("--ref-leak-mode=%s", c.ReferenceLeak))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log
// function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.MemoryBytes: %#x", c.MemoryBytes)
	log.Infof("Config.PageTableCapacity: %d", c.PageTableCapacity)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}
