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

package hal

import (
	"testing"

	"github.com/zirconvm/zvm/pkg/hostarch"
)

func TestMMUFlagBits(t *testing.T) {
	for _, tc := range []struct {
		flag MMUFlags
		want MMUFlags
	}{
		{Cache1, 1 << 0},
		{Cache2, 1 << 1},
		{Read, 1 << 2},
		{Write, 1 << 3},
		{Execute, 1 << 4},
		{User, 1 << 5},
	} {
		if tc.flag != tc.want {
			t.Errorf("flag got %#x want %#x", uint32(tc.flag), uint32(tc.want))
		}
	}
}

func TestCachePolicy(t *testing.T) {
	f := (RW | User).WithCachePolicy(WriteCombining)
	if got := f.CachePolicy(); got != WriteCombining {
		t.Errorf("CachePolicy got %v want %v", got, WriteCombining)
	}
	f = f.WithCachePolicy(Uncached)
	if got := f.CachePolicy(); got != Uncached {
		t.Errorf("CachePolicy got %v want %v", got, Uncached)
	}
	if got := f.Permissions(); got != RW {
		t.Errorf("Permissions got %v want %v", got, RW)
	}
	if CachePolicy(4).Valid() {
		t.Errorf("CachePolicy(4).Valid() got true want false")
	}
	for p := Cached; p <= WriteCombining; p++ {
		got, err := ParseCachePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseCachePolicy(%q) got (%v, %v) want (%v, nil)", p.String(), got, err, p)
		}
	}
}

func TestFlagsAccess(t *testing.T) {
	f := FlagsFromAccess(hostarch.ReadWrite)
	if f != RW {
		t.Errorf("FlagsFromAccess(rw-) got %v want %v", f, RW)
	}
	if !f.Allows(hostarch.Write) {
		t.Errorf("%v does not allow write", f)
	}
	if f.Allows(hostarch.Execute) {
		t.Errorf("%v allows execute", f)
	}
	if got, want := (Read | Execute | User).String(), "r-xu cached"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
}

func TestFrameAddress(t *testing.T) {
	f := FrameFromAddress(0x8000_1234)
	if f != 0x80001 {
		t.Errorf("FrameFromAddress got %#x want 0x80001", uint64(f))
	}
	if got := f.Address(); got != 0x8000_1000 {
		t.Errorf("Address got %v want 0x80001000", got)
	}
}
