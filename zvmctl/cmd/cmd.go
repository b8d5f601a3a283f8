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

// Package cmd holds implementations of the zvmctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/zvmctl/config"
	"github.com/zirconvm/zvm/zvmctl/scenario"
	"golang.org/x/sync/errgroup"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of zvmctl, in addition to stderr.
var ErrorLogger io.Writer

// Fatalf logs the same message as Errorf and terminates the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Errorf logs an error to the debug log and the error log, and writes it to
// stderr. It returns subcommands.ExitFailure for convenience.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "%s\n", msg)
	}
	return subcommands.ExitFailure
}

// platformDefaults returns the scenario platform settings given by conf.
func platformDefaults(conf *config.Config) scenario.Platform {
	return scenario.Platform{
		MemoryBytes:       conf.MemoryBytes,
		PageTableCapacity: conf.PageTableCapacity,
	}
}

// runScenarios loads and runs the scenarios at paths, at most parallel at a
// time. Results are in the order of paths.
//
// A scenario that cannot be loaded, or that stops before its last step,
// cancels the others and its error is returned alone. Otherwise the returned
// error joins the step failures of every scenario.
func runScenarios(ctx context.Context, conf *config.Config, paths []string, parallel int) ([]*scenario.Result, error) {
	if parallel <= 0 {
		parallel = runtime.NumCPU()
	}
	results := make([]*scenario.Result, len(paths))
	failures := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, path := range paths {
		g.Go(func() error {
			sc, err := scenario.Load(path)
			if err != nil {
				return err
			}
			res, err := scenario.Run(gctx, sc, platformDefaults(conf))
			if res == nil {
				return err
			}
			results[i] = res
			if err != nil {
				failures[i] = fmt.Errorf("scenario %q: %w", sc.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(failures...)
}

// runOne loads and runs the scenario at path.
func runOne(ctx context.Context, conf *config.Config, path string) (*scenario.Result, error) {
	results, err := runScenarios(ctx, conf, []string{path}, 1)
	return results[0], err
}
