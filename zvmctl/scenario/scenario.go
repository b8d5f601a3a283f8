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

// Package scenario loads and runs scripted sequences of virtual memory
// operations.
//
// A scenario is a list of steps. Each step applies one operation to objects
// named by earlier steps and records the resulting status. Scenarios are
// written in TOML:
//
//	[platform]
//	memory_bytes = 1048576
//
//	[[step]]
//	op = "vmo"
//	name = "heap"
//	pages = 4
//
//	[[step]]
//	op = "map"
//	name = "m"
//	vmo = "heap"
//	length = 16384
//	perms = "rw"
//
//	[[step]]
//	op = "write"
//	at = "m"
//	data = "hello"
//
// or in the equivalent YAML, with "step" holding a list.
package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/zirconvm/zvm/pkg/abi/zx"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/vm"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a scenario.
type Format int

// Supported formats.
const (
	TOML Format = iota
	YAML
)

// FormatOf returns the format implied by the extension of path. Anything
// other than .yaml or .yml is TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Platform holds per-scenario platform overrides. Zero fields keep the
// defaults given to Run.
type Platform struct {
	MemoryBytes       uint64 `toml:"memory_bytes" yaml:"memory_bytes"`
	PageTableCapacity int    `toml:"page_table_capacity" yaml:"page_table_capacity"`
}

// Step is one operation of a scenario.
type Step struct {
	// Op is the operation: vmo, child, slice, allocate, map, unmap,
	// protect, destroy, write, read, fault, resize or release.
	Op string `toml:"op" yaml:"op"`

	// Name is the name given to the object the step creates.
	Name string `toml:"name" yaml:"name"`

	// Vmo names the VmObject the step applies to.
	Vmo string `toml:"vmo" yaml:"vmo"`

	// Vmar names the region the step applies to. Empty means the root.
	Vmar string `toml:"vmar" yaml:"vmar"`

	// At names a region or mapping whose base address, plus Offset, is the
	// address the step applies to. If empty, Addr plus Offset is used.
	At string `toml:"at" yaml:"at"`

	Kind      string  `toml:"kind" yaml:"kind"`
	Pages     uint64  `toml:"pages" yaml:"pages"`
	Resizable bool    `toml:"resizable" yaml:"resizable"`
	Paddr     uint64  `toml:"paddr" yaml:"paddr"`
	Offset    *uint64 `toml:"offset" yaml:"offset"`
	VmoOffset uint64  `toml:"vmo_offset" yaml:"vmo_offset"`
	Length    uint64  `toml:"length" yaml:"length"`
	Size      uint64  `toml:"size" yaml:"size"`
	Align     uint64  `toml:"align" yaml:"align"`
	Addr      uint64  `toml:"addr" yaml:"addr"`

	// Perms are permissions in "rwx" form.
	Perms string `toml:"perms" yaml:"perms"`

	// Cache is the cache policy of a new VmObject.
	Cache string `toml:"cache" yaml:"cache"`

	// Data is written by write steps. For read steps, if set, the bytes
	// read must equal it.
	Data string `toml:"data" yaml:"data"`

	// Access is the access of a fault step in "rwx" form.
	Access string `toml:"access" yaml:"access"`

	// Expect is the expected status name, such as "BAD_STATE". Empty means
	// the step must succeed.
	Expect string `toml:"expect" yaml:"expect"`
}

func (s *Step) offset() uint64 {
	if s.Offset == nil {
		return 0
	}
	return *s.Offset
}

// Scenario is a named list of steps.
type Scenario struct {
	Name     string   `toml:"name" yaml:"name"`
	Platform Platform `toml:"platform" yaml:"platform"`
	Steps    []Step   `toml:"step" yaml:"step"`
}

// Load reads and validates the scenario at path. The scenario is named
// after the file unless it names itself.
func Load(path string) (*Scenario, error) {
	var sc Scenario
	switch FormatOf(path) {
	case YAML:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decodeYAML(data, &sc); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, &sc)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
		if err := checkUndecoded(md); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	}
	if sc.Name == "" {
		base := filepath.Base(path)
		sc.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return &sc, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte, f Format) (*Scenario, error) {
	var sc Scenario
	switch f {
	case YAML:
		if err := decodeYAML(data, &sc); err != nil {
			return nil, err
		}
	case TOML:
		md, err := toml.Decode(string(data), &sc)
		if err != nil {
			return nil, err
		}
		if err := checkUndecoded(md); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown format %d", f)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func decodeYAML(data []byte, sc *Scenario) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("unknown keys %v", keys)
	}
	return nil
}

// Validate checks that every step is well formed. Names are resolved when
// the scenario runs.
func (sc *Scenario) Validate() error {
	if sc.Platform.PageTableCapacity < 0 {
		return fmt.Errorf("page_table_capacity must not be negative")
	}
	for i := range sc.Steps {
		if err := sc.Steps[i].validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, sc.Steps[i].Op, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if s.Expect != "" {
		if _, ok := zx.StatusFromName(s.Expect); !ok {
			return fmt.Errorf("unknown status %q", s.Expect)
		}
	}
	if _, err := parsePerms(s.Perms); err != nil {
		return err
	}
	switch s.Op {
	case "vmo":
		if s.Name == "" {
			return fmt.Errorf("name is required")
		}
		if s.Pages > vm.MaxPages {
			return fmt.Errorf("%d pages is too large", s.Pages)
		}
		switch s.Kind {
		case "", "paged":
		case "physical":
			if s.Pages == 0 {
				return fmt.Errorf("physical objects need at least one page")
			}
		default:
			return fmt.Errorf("unknown kind %q", s.Kind)
		}
		if s.Cache != "" {
			if _, err := hal.ParseCachePolicy(s.Cache); err != nil {
				return err
			}
		}
	case "child", "slice":
		if s.Name == "" || s.Vmo == "" {
			return fmt.Errorf("name and vmo are required")
		}
	case "map":
		if s.Vmo == "" {
			return fmt.Errorf("vmo is required")
		}
	case "resize", "release":
		if s.Vmo == "" {
			return fmt.Errorf("vmo is required")
		}
	case "destroy":
		if s.Vmar == "" || s.Vmar == rootName {
			return fmt.Errorf("vmar must name a sub-region")
		}
	case "write":
		if s.Data == "" {
			return fmt.Errorf("data is required")
		}
	case "read":
		if s.Length == 0 && s.Data == "" {
			return fmt.Errorf("length or data is required")
		}
	case "fault":
		if _, err := parseAccess(s.Access); err != nil {
			return err
		}
	case "allocate", "unmap", "protect":
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

// parsePerms parses permissions in "rwx" form. '-' is ignored and 'u' sets
// hal.User.
func parsePerms(s string) (hal.MMUFlags, error) {
	var f hal.MMUFlags
	for _, c := range s {
		switch c {
		case 'r':
			f |= hal.Read
		case 'w':
			f |= hal.Write
		case 'x':
			f |= hal.Execute
		case 'u':
			f |= hal.User
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	return f, nil
}

// vmarFlags returns the region flags granting perms.
func vmarFlags(perms hal.MMUFlags) vm.VmarFlags {
	var f vm.VmarFlags
	if perms&hal.Read != 0 {
		f |= vm.CanMapRead
	}
	if perms&hal.Write != 0 {
		f |= vm.CanMapWrite
	}
	if perms&hal.Execute != 0 {
		f |= vm.CanMapExecute
	}
	return f
}

// parseAccess parses an access in "rwx" form. Empty is a read.
func parseAccess(s string) (hostarch.AccessType, error) {
	if s == "" {
		return hostarch.Read, nil
	}
	f, err := parsePerms(s)
	if err != nil {
		return hostarch.NoAccess, err
	}
	return f.AccessType(), nil
}
