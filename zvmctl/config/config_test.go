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

package config

import (
	"flag"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zirconvm/zvm/pkg/refs"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{
		"-debug",
		"-log-format=json",
		"-memory=1048576",
		"-page-table-capacity=16",
		"-ref-leak-mode=log-names",
	}); err != nil {
		t.Fatalf("Parse got err %v want nil", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Debug:             true,
		LogFormat:         "json",
		MemoryBytes:       1 << 20,
		PageTableCapacity: 16,
		ReferenceLeak:     refs.LeaksLogWarning,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	orig := &Config{
		Debug:             true,
		LogFormat:         "json",
		LogFilename:       "/tmp/zvmctl.log",
		MemoryBytes:       8 << 20,
		PageTableCapacity: 3,
		ReferenceLeak:     refs.LeaksPanic,
	}
	if err := testFlags.Parse(orig.ToFlags()); err != nil {
		t.Fatalf("Parse(%q) got err %v want nil", orig.ToFlags(), err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Errorf("ToFlags/NewFromFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-log-format=json-k8s"},
		{"-memory=4096"},
		{"-page-table-capacity=-1"},
	} {
		testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
		RegisterFlags(testFlags)
		if err := testFlags.Parse(args); err != nil {
			t.Fatalf("Parse(%q) got err %v want nil", args, err)
		}
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("NewFromFlags(%q) got err nil want non-nil", args)
		}
	}
}

func TestInvalidLeakMode(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	testFlags.SetOutput(io.Discard)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"-ref-leak-mode=sometimes"}); err == nil {
		t.Errorf("Parse got err nil want non-nil")
	}
}
