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
	"io"
	"os"
	"sort"

	"github.com/google/subcommands"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/zirconvm/zvm/pkg/vm"
	"github.com/zirconvm/zvm/zvmctl/config"
	"github.com/zirconvm/zvm/zvmctl/scenario"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a scenario and print virtual memory metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-exporter-prefix=<zvm_>] <scenario> - prints the scenario's metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.exporterPrefix, "exporter-prefix", "zvm_", "Prefix for all metric names, following Prometheus exporter convention")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	before := vm.ReadStats()
	res, err := runOne(ctx, conf, f.Arg(0))
	if res == nil {
		return Errorf("%v", err)
	}
	if werr := writeMetrics(os.Stdout, metricFamilies(m.exporterPrefix, vm.ReadStats().Sub(before), res)); werr != nil {
		return Errorf("Cannot write metrics to stdout: %v", werr)
	}
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func ptr[T any](v T) *T {
	return &v
}

func family(name, help string, typ dto.MetricType, ms ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   typ.Enum(),
		Metric: ms,
	}
}

func counter(v uint64) *dto.Metric {
	return &dto.Metric{Counter: &dto.Counter{Value: ptr(float64(v))}}
}

func gauge(v uint64, labels ...string) *dto.Metric {
	m := &dto.Metric{Gauge: &dto.Gauge{Value: ptr(float64(v))}}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{Name: ptr(labels[i]), Value: ptr(labels[i+1])})
	}
	return m
}

// metricFamilies returns the metric families describing stats and res, with
// names prefixed by prefix.
func metricFamilies(prefix string, stats vm.Stats, res *scenario.Result) []*dto.MetricFamily {
	counters := []struct {
		name, help string
		value      uint64
	}{
		{"page_faults_total", "Page faults handled.", stats.PageFaults},
		{"fatal_page_faults_total", "Page faults that could not be resolved.", stats.FatalFaults},
		{"cow_copies_total", "Pages copied on write.", stats.CowCopies},
		{"cow_moves_total", "Pages taken over on write from a snapshot no other object sees.", stats.CowMoves},
		{"zero_fills_total", "Pages committed with zeroes.", stats.ZeroFills},
		{"frames_committed_total", "Physical frames committed to objects.", stats.FramesCommitted},
		{"frames_released_total", "Physical frames released by objects.", stats.FramesReleased},
		{"clones_created_total", "Copy-on-write clones created.", stats.ClonesCreated},
		{"hidden_merges_total", "Snapshot nodes merged into their remaining child.", stats.HiddenMerges},
		{"mappings_created_total", "Mappings created.", stats.MappingsCreated},
	}
	var fs []*dto.MetricFamily
	for _, c := range counters {
		fs = append(fs, family(prefix+c.name, c.help, dto.MetricType_COUNTER, counter(c.value)))
	}
	fs = append(fs,
		family(prefix+"memory_allocated_bytes", "Physical memory in use.", dto.MetricType_GAUGE, gauge(res.AllocatedBytes)),
		family(prefix+"memory_total_bytes", "Size of physical memory.", dto.MetricType_GAUGE, gauge(res.TotalBytes)),
		family(prefix+"page_table_entries", "Live page table entries.", dto.MetricType_GAUGE, gauge(uint64(res.PageTableEntries))),
	)
	if len(res.Objects) > 0 {
		var committed, size []*dto.Metric
		for _, o := range res.Objects {
			committed = append(committed, gauge(o.CommittedBytes, "vmo", o.Name, "kind", o.KindName))
			size = append(size, gauge(o.Size, "vmo", o.Name, "kind", o.KindName))
		}
		fs = append(fs,
			family(prefix+"vmo_committed_bytes", "Bytes committed to each named object.", dto.MetricType_GAUGE, committed...),
			family(prefix+"vmo_size_bytes", "Size of each named object.", dto.MetricType_GAUGE, size...),
		)
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].GetName() < fs[j].GetName() })
	return fs
}

// writeMetrics writes fs in the Prometheus text format.
func writeMetrics(w io.Writer, fs []*dto.MetricFamily) error {
	for _, f := range fs {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}
