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

// Package haltest provides a host-memory platform for tests.
package haltest

import (
	"testing"

	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hal/hostmem"
	"github.com/zirconvm/zvm/pkg/hal/pagetable"
)

// DefaultSize is the simulated RAM size used by NewPlatform when size is
// zero.
const DefaultSize = 16 << 20

// NewPlatform returns a platform over a fresh host memory arena of size
// bytes. The arena is closed when the test finishes.
func NewPlatform(t testing.TB, size uint64) (*hal.Platform, *hostmem.Memory) {
	t.Helper()
	if size == 0 {
		size = DefaultSize
	}
	mem, err := hostmem.New(hostmem.Options{Size: size})
	if err != nil {
		t.Fatalf("hostmem.New got err %v want nil", err)
	}
	t.Cleanup(func() {
		if err := mem.Close(); err != nil {
			t.Errorf("Memory.Close got err %v want nil", err)
		}
	})
	return &hal.Platform{Frames: mem, Mem: mem}, mem
}

// NewPageTable returns a software page table on p holding at most capacity
// entries, or unlimited if capacity is zero. It is released when the test
// finishes.
func NewPageTable(t testing.TB, p *hal.Platform, capacity int) *pagetable.Table {
	t.Helper()
	pt, err := pagetable.New(p, pagetable.Options{Capacity: capacity})
	if err != nil {
		t.Fatalf("pagetable.New got err %v want nil", err)
	}
	t.Cleanup(pt.Release)
	return pt
}
