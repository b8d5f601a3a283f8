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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	if !b.IsEmpty() {
		t.Fatalf("new bitmap is not empty")
	}
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Add(i)
	}
	b.Add(63)
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("GetNumOnes got %d want 4", got)
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	b.Remove(63)
	b.Remove(63)
	if b.Contains(63) || !b.Contains(64) {
		t.Errorf("Contains(63) = %t, Contains(64) = %t, want false, true", b.Contains(63), b.Contains(64))
	}
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes got %d want 3", got)
	}
	if b.Contains(1000) {
		t.Errorf("Contains beyond Size got true want false")
	}
}

func TestAddOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Add beyond Size did not panic")
		}
	}()
	b := New(10)
	b.Add(10)
}

func TestFirstZero(t *testing.T) {
	b := New(130)
	b.AddRange(0, 65)
	for _, tc := range []struct {
		start  uint32
		want   uint32
		wantOK bool
	}{
		{start: 0, want: 65, wantOK: true},
		{start: 70, want: 70, wantOK: true},
		{start: 129, want: 129, wantOK: true},
		{start: 130, wantOK: false},
	} {
		got, ok := b.FirstZero(tc.start)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Errorf("FirstZero(%d) got (%d, %t) want (%d, %t)", tc.start, got, ok, tc.want, tc.wantOK)
		}
	}
	b.AddRange(65, 130)
	if _, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero on a full bitmap got ok want !ok")
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(64)
	// Set bits: 0, 5, 9.
	b.Add(0)
	b.Add(5)
	b.Add(9)
	for _, tc := range []struct {
		count     uint32
		alignLog2 uint
		want      uint32
		wantOK    bool
	}{
		{count: 1, want: 1, wantOK: true},
		{count: 4, want: 1, wantOK: true},
		{count: 5, want: 10, wantOK: true},
		{count: 2, alignLog2: 2, want: 12, wantOK: true},
		{count: 4, alignLog2: 3, want: 16, wantOK: true},
		{count: 60, wantOK: false},
	} {
		got, ok := b.FirstZeroRun(0, tc.count, tc.alignLog2)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Errorf("FirstZeroRun(0, %d, %d) got (%d, %t) want (%d, %t)", tc.count, tc.alignLog2, got, ok, tc.want, tc.wantOK)
		}
	}
}
