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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/zirconvm/zvm/pkg/vm"
	"github.com/zirconvm/zvm/zvmctl/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "run a scenario and print the resulting address space layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout <scenario> - prints regions and mappings left by the scenario, one per line.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	res, err := runOne(ctx, conf, f.Arg(0))
	if res == nil {
		return Errorf("%v", err)
	}
	if werr := writeLayout(os.Stdout, res.Layout); werr != nil {
		return Errorf("writing layout: %v", werr)
	}
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// writeLayout writes entries in the style of /proc/[pid]/maps, indented by
// depth. Regions show their grantable permissions and "[vmar]"; mappings show
// their permissions, offset into the object, and the object.
func writeLayout(w io.Writer, entries []vm.LayoutEntry) error {
	for _, e := range entries {
		indent := strings.Repeat("  ", e.Depth)
		var err error
		switch e.Kind {
		case "vmar":
			_, err = fmt.Fprintf(w, "%s%016x-%016x %s- %08x [vmar]\n", indent, uint64(e.Range.Start), uint64(e.Range.End), e.Perms, 0)
		default:
			name := fmt.Sprintf("vmo:%d", e.VmoID)
			if e.VmoName != "" {
				name += " " + e.VmoName
			}
			_, err = fmt.Fprintf(w, "%s%016x-%016x %sp %08x %s\n", indent, uint64(e.Range.Start), uint64(e.Range.End), e.Perms, e.VmoOffset, name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
