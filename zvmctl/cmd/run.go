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
	"encoding/json"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/zvmctl/config"
	"github.com/zirconvm/zvm/zvmctl/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	parallel int
	compact  bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenarios and print their results as JSON"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario>... - runs each scenario on a fresh platform and prints the results.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.parallel, "parallel", runtime.NumCPU(), "maximum number of scenarios run at once.")
	f.BoolVar(&r.compact, "compact", false, "print one JSON result per line instead of an indented list.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	results, runErr := runScenarios(ctx, conf, f.Args(), r.parallel)
	if err := writeResults(os.Stdout, results, r.compact); err != nil {
		return Errorf("writing results: %v", err)
	}
	if runErr != nil {
		return Errorf("%v", runErr)
	}
	log.Infof("Ran %d scenarios", len(results))
	return subcommands.ExitSuccess
}

// writeResults writes results as JSON. Nil results are skipped.
func writeResults(w io.Writer, results []*scenario.Result, compact bool) error {
	enc := json.NewEncoder(w)
	if compact {
		for _, res := range results {
			if res == nil {
				continue
			}
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		return nil
	}
	enc.SetIndent("", "  ")
	ok := make([]*scenario.Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			ok = append(ok, res)
		}
	}
	return enc.Encode(ok)
}
