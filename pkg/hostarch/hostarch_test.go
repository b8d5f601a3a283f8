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

package hostarch

import (
	"math"
	"testing"
)

func TestPageRoundUp(t *testing.T) {
	for _, test := range []struct {
		in     uint64
		want   uint64
		wantOK bool
	}{
		{in: 0, want: 0, wantOK: true},
		{in: 1, want: PageSize, wantOK: true},
		{in: PageSize, want: PageSize, wantOK: true},
		{in: 3*PageSize - 1, want: 3 * PageSize, wantOK: true},
		{in: math.MaxUint64 - PageSize + 1, want: math.MaxUint64 - PageSize + 1, wantOK: true},
		{in: math.MaxUint64, want: 0, wantOK: false},
	} {
		got, ok := PageRoundUp(test.in)
		if got != test.want || ok != test.wantOK {
			t.Errorf("PageRoundUp(%#x) got (%#x, %t) want (%#x, %t)", test.in, got, ok, test.want, test.wantOK)
		}
	}
}

func TestPagesOf(t *testing.T) {
	for _, test := range []struct {
		in, want uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{math.MaxUint64, 1 << (64 - PageShift)},
	} {
		if got := PagesOf(test.in); got != test.want {
			t.Errorf("PagesOf(%#x) got %#x want %#x", test.in, got, test.want)
		}
	}
}

func TestAddrRoundUp(t *testing.T) {
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp(0x1001) got (%v, %t) want (0x2000, true)", got, ok)
	}
	if _, ok := Addr(math.MaxUint64).RoundUp(); ok {
		t.Errorf("RoundUp(max) got ok want wrap")
	}
	if got := Addr(0x1fff).RoundDown(); got != 0x1000 {
		t.Errorf("RoundDown(0x1fff) got %v want 0x1000", got)
	}
	if _, ok := Addr(math.MaxUint64 - 1).ToRange(2); ok {
		t.Errorf("ToRange overflowing got ok want false")
	}
}

func TestAddrRange(t *testing.T) {
	ar := AddrRange{Start: 0x1000, End: 0x3000}
	for _, test := range []struct {
		name string
		got  bool
		want bool
	}{
		{"contains start", ar.Contains(0x1000), true},
		{"contains end", ar.Contains(0x3000), false},
		{"overlaps adjacent", ar.Overlaps(AddrRange{Start: 0x3000, End: 0x4000}), false},
		{"overlaps inner", ar.Overlaps(AddrRange{Start: 0x2fff, End: 0x4000}), true},
		{"superset of self", ar.IsSupersetOf(ar), true},
		{"superset of larger", ar.IsSupersetOf(AddrRange{Start: 0, End: 0x3000}), false},
		{"page aligned", ar.IsPageAligned(), true},
		{"well formed", ar.WellFormed(), true},
	} {
		if test.got != test.want {
			t.Errorf("%s got %t want %t", test.name, test.got, test.want)
		}
	}
	if got, want := ar.Intersect(AddrRange{Start: 0x2000, End: 0x5000}), (AddrRange{Start: 0x2000, End: 0x3000}); got != want {
		t.Errorf("Intersect got %v want %v", got, want)
	}
	if got := ar.Intersect(AddrRange{Start: 0x5000, End: 0x6000}); got.Length() != 0 {
		t.Errorf("Intersect of disjoint ranges got %v want empty", got)
	}
	if got, want := ar.String(), "[0x1000, 0x3000)"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf got wrong result")
	}
	if NoAccess.Any() {
		t.Errorf("NoAccess.Any got true want false")
	}
}
