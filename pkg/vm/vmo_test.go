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

package vm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hal/haltest"
	"github.com/zirconvm/zvm/pkg/hal/hostmem"
	"github.com/zirconvm/zvm/pkg/hostarch"
)

func newTestPlatform(t *testing.T) (*hal.Platform, *hostmem.Memory) {
	t.Helper()
	return haltest.NewPlatform(t, 0)
}

// writeByte writes val at the start of page of v.
func writeByte(t *testing.T, v *VmObject, page uint64, val byte) {
	t.Helper()
	if err := v.Write(page*hostarch.PageSize, []byte{val}); err != nil {
		t.Fatalf("%v.Write(page %d) got err %v want nil", v, page, err)
	}
}

// readByte reads the first byte of page of v.
func readByte(t *testing.T, v *VmObject, page uint64) byte {
	t.Helper()
	var b [1]byte
	if err := v.Read(page*hostarch.PageSize, b[:]); err != nil {
		t.Fatalf("%v.Read(page %d) got err %v want nil", v, page, err)
	}
	return b[0]
}

func committed(v *VmObject) uint64 {
	return v.Info().CommittedBytes
}

func checkReadWrite(t *testing.T, v *VmObject) {
	t.Helper()
	want := []byte{0, 1, 2, 3}
	if err := v.Write(0, want); err != nil {
		t.Fatalf("Write got err %v want nil", err)
	}
	got := make([]byte, len(want))
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Read got err %v want nil", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
}

func TestReadWritePaged(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 2)
	defer v.DecRef()
	checkReadWrite(t, v)

	// Across a page boundary.
	want := []byte("straddle")
	off := uint64(hostarch.PageSize - 3)
	if err := v.Write(off, want); err != nil {
		t.Fatalf("Write got err %v want nil", err)
	}
	got := make([]byte, len(want))
	if err := v.Read(off, got); err != nil {
		t.Fatalf("Read got err %v want nil", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
	if got, want := committed(v), uint64(2*hostarch.PageSize); got != want {
		t.Errorf("CommittedBytes got %#x want %#x", got, want)
	}
}

func TestReadWriteOutOfRange(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 1)
	defer v.DecRef()
	for _, test := range []struct {
		name   string
		offset uint64
		length int
	}{
		{name: "past end", offset: hostarch.PageSize, length: 1},
		{name: "straddles end", offset: hostarch.PageSize - 1, length: 2},
		{name: "wraps", offset: ^uint64(0), length: 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			buf := make([]byte, test.length)
			if err := v.Read(test.offset, buf); err != zxerr.ErrOutOfRange {
				t.Errorf("Read got err %v want %v", err, zxerr.ErrOutOfRange)
			}
			if err := v.Write(test.offset, buf); err != zxerr.ErrOutOfRange {
				t.Errorf("Write got err %v want %v", err, zxerr.ErrOutOfRange)
			}
		})
	}
}

func TestUncommittedReadsZero(t *testing.T) {
	p, mem := newTestPlatform(t)
	v := NewPaged(p, 4)
	defer v.DecRef()
	before := mem.AllocatedBytes()
	buf := make([]byte, 4*hostarch.PageSize)
	buf[17] = 0xff
	if err := v.Read(0, buf); err != nil {
		t.Fatalf("Read got err %v want nil", err)
	}
	if diff := cmp.Diff(make([]byte, len(buf)), buf); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
	if got := mem.AllocatedBytes(); got != before {
		t.Errorf("AllocatedBytes got %#x want %#x", got, before)
	}
}

func TestCreateChildPaged(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 1)
	defer v.DecRef()
	child, err := v.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer child.DecRef()

	// Writes to the parent are not seen by the clone.
	writeByte(t, v, 0, 1)
	if got := readByte(t, v, 0); got != 1 {
		t.Errorf("parent read got %d want 1", got)
	}
	if got := readByte(t, child, 0); got != 0 {
		t.Errorf("child read got %d want 0", got)
	}

	// Writes to the clone are not seen by the parent.
	writeByte(t, child, 0, 2)
	if got := readByte(t, v, 0); got != 1 {
		t.Errorf("parent read got %d want 1", got)
	}
	if got := readByte(t, child, 0); got != 2 {
		t.Errorf("child read got %d want 2", got)
	}
}

func TestCreateChildSnapshotsCommittedPages(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 2)
	defer v.DecRef()
	writeByte(t, v, 0, 7)
	writeByte(t, v, 1, 8)

	child, err := v.CreateChild(false, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer child.DecRef()
	if got := readByte(t, child, 1); got != 8 {
		t.Errorf("child read got %d want 8", got)
	}

	// The parent's pages became shared with the clone; writing one must not
	// leak into the clone.
	writeByte(t, v, 0, 9)
	if got := readByte(t, child, 0); got != 7 {
		t.Errorf("child read got %d want 7", got)
	}
	if got := readByte(t, v, 0); got != 9 {
		t.Errorf("parent read got %d want 9", got)
	}
	if got, want := v.Info().NumChildren, 1; got != want {
		t.Errorf("NumChildren got %d want %d", got, want)
	}
	if !child.Info().IsClone {
		t.Errorf("IsClone got false want true")
	}
}

func TestCreateChildOffset(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 3)
	defer v.DecRef()
	writeByte(t, v, 1, 11)
	writeByte(t, v, 2, 12)

	child, err := v.CreateChild(false, hostarch.PageSize, 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer child.DecRef()
	for page, want := range []byte{11, 12, 0, 0} {
		if got := readByte(t, child, uint64(page)); got != want {
			t.Errorf("child page %d got %d want %d", page, got, want)
		}
	}
}

func TestCreateChildInvalid(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 2)
	defer v.DecRef()
	for _, test := range []struct {
		name   string
		offset uint64
		length uint64
		want   error
	}{
		{name: "unaligned offset", offset: 1, length: hostarch.PageSize, want: zxerr.ErrInvalidArgs},
		{name: "unaligned length", offset: 0, length: 1, want: zxerr.ErrInvalidArgs},
		{name: "offset past end", offset: 3 * hostarch.PageSize, length: hostarch.PageSize, want: zxerr.ErrOutOfRange},
		{name: "overflow", offset: hostarch.PageSize, length: ^uint64(0) &^ hostarch.PageMask, want: zxerr.ErrOutOfRange},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := v.CreateChild(false, test.offset, test.length); err != test.want {
				t.Errorf("CreateChild got err %v want %v", err, test.want)
			}
		})
	}
}

func TestZeroPageWrite(t *testing.T) {
	p, mem := newTestPlatform(t)
	v0 := NewPaged(p, 1)
	v1, err := v0.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	v2, err := v0.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	vmos := []*VmObject{v0, v1, v2}
	defer func() {
		for _, v := range vmos {
			v.DecRef()
		}
	}()

	origin := mem.AllocatedBytes()
	for i, v := range vmos {
		if got := committed(v); got != 0 {
			t.Errorf("vmo %d CommittedBytes got %#x want 0", i, got)
		}
	}
	for i := range vmos {
		writeByte(t, vmos[i], 0, byte(i))
		for j := range vmos {
			wantVal, wantCommitted := byte(0), uint64(0)
			if j <= i {
				wantVal, wantCommitted = byte(j), hostarch.PageSize
			}
			if got := readByte(t, vmos[j], 0); got != wantVal {
				t.Errorf("after write %d: vmo %d read got %d want %d", i, j, got, wantVal)
			}
			if got := committed(vmos[j]); got != wantCommitted {
				t.Errorf("after write %d: vmo %d CommittedBytes got %#x want %#x", i, j, got, wantCommitted)
			}
		}
		if got, want := mem.AllocatedBytes()-origin, uint64(i+1)*hostarch.PageSize; got != want {
			t.Errorf("after write %d: allocated bytes grew by %#x want %#x", i, got, want)
		}
	}
}

func TestOverflow(t *testing.T) {
	p, _ := newTestPlatform(t)
	v0 := NewPaged(p, 2)
	defer v0.DecRef()
	writeByte(t, v0, 0, 1)
	v1, err := v0.CreateChild(false, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer v1.DecRef()
	writeByte(t, v1, 1, 2)
	v2, err := v1.CreateChild(false, 0, 3*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer v2.DecRef()
	writeByte(t, v2, 2, 3)

	for i, v := range []*VmObject{v0, v1, v2} {
		if got := committed(v); got != hostarch.PageSize {
			t.Errorf("vmo %d CommittedBytes got %#x want %#x", i, got, hostarch.PageSize)
		}
	}
	for page, want := range []byte{1, 2, 3} {
		if got := readByte(t, v2, uint64(page)); got != want {
			t.Errorf("v2 page %d got %d want %d", page, got, want)
		}
	}
}

func TestReleaseMergesHiddenNodes(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPaged(p, 2)
	writeByte(t, v, 0, 1)
	writeByte(t, v, 1, 2)
	child, err := v.CreateChild(false, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	writeByte(t, child, 0, 3)
	before := ReadStats()

	// Dropping the parent folds the shared pages into the clone. Page 0 is
	// shadowed by the clone's own copy and is freed.
	v.DecRef()
	if got, want := ReadStats().Sub(before).HiddenMerges, uint64(1); got != want {
		t.Errorf("HiddenMerges got %d want %d", got, want)
	}
	if got, want := mem.AllocatedBytes()-origin, uint64(2*hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
	if got, want := committed(child), uint64(2*hostarch.PageSize); got != want {
		t.Errorf("CommittedBytes got %#x want %#x", got, want)
	}
	for page, want := range []byte{3, 2} {
		if got := readByte(t, child, uint64(page)); got != want {
			t.Errorf("child page %d got %d want %d", page, got, want)
		}
	}

	child.DecRef()
	if got := mem.AllocatedBytes(); got != origin {
		t.Errorf("allocated bytes after releasing all got %#x want %#x", got, origin)
	}
}

func TestReleaseChildKeepsParent(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPaged(p, 1)
	defer v.DecRef()
	writeByte(t, v, 0, 5)
	child, err := v.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	writeByte(t, child, 0, 6)
	child.DecRef()

	if got := readByte(t, v, 0); got != 5 {
		t.Errorf("parent read got %d want 5", got)
	}
	if got, want := committed(v), uint64(hostarch.PageSize); got != want {
		t.Errorf("CommittedBytes got %#x want %#x", got, want)
	}
	if got, want := mem.AllocatedBytes()-origin, uint64(hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
}

func TestPhysical(t *testing.T) {
	p, mem := newTestPlatform(t)
	paddr, err := mem.AllocContiguous(2, hostarch.PageShift)
	if err != nil {
		t.Fatalf("AllocContiguous got err %v want nil", err)
	}
	defer func() {
		mem.Dealloc(paddr)
		mem.Dealloc(paddr + hostarch.PageSize)
	}()
	v, err := NewPhysical(p, paddr, 2)
	if err != nil {
		t.Fatalf("NewPhysical got err %v want nil", err)
	}
	defer v.DecRef()
	if got := v.CachePolicy(); got != hal.Uncached {
		t.Errorf("CachePolicy got %v want %v", got, hal.Uncached)
	}
	checkReadWrite(t, v)

	// The content is the physical memory itself.
	got := make([]byte, 4)
	if err := mem.ReadAt(paddr, got); err != nil {
		t.Fatalf("ReadAt got err %v want nil", err)
	}
	if diff := cmp.Diff([]byte{0, 1, 2, 3}, got); diff != "" {
		t.Errorf("physical memory mismatch (-want +got):\n%s", diff)
	}

	if _, err := v.CreateChild(false, 0, hostarch.PageSize); err != zxerr.ErrNotSupported {
		t.Errorf("CreateChild got err %v want %v", err, zxerr.ErrNotSupported)
	}
	if err := v.SetLen(hostarch.PageSize); err != zxerr.ErrUnavailable {
		t.Errorf("SetLen got err %v want %v", err, zxerr.ErrUnavailable)
	}
	info := v.Info()
	if info.Kind != KindPhysical || info.Size != 2*hostarch.PageSize || info.CommittedBytes != 2*hostarch.PageSize {
		t.Errorf("Info got %+v", info)
	}
}

func TestNewPhysicalInvalid(t *testing.T) {
	p, _ := newTestPlatform(t)
	for _, test := range []struct {
		name  string
		paddr hal.PhysAddr
		pages uint64
	}{
		{name: "unaligned", paddr: 0x1001, pages: 1},
		{name: "wraps", paddr: 0xffff_ffff_ffff_f000, pages: 2},
		{name: "too many pages", paddr: 0x1000, pages: 1 << 60},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewPhysical(p, test.paddr, test.pages); err != zxerr.ErrInvalidArgs {
				t.Errorf("NewPhysical got err %v want %v", err, zxerr.ErrInvalidArgs)
			}
		})
	}
}

func TestSlice(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 4)
	defer v.DecRef()
	s, err := v.CreateSlice(hostarch.PageSize, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateSlice got err %v want nil", err)
	}
	defer s.DecRef()

	// Writes are shared both ways.
	writeByte(t, s, 0, 1)
	if got := readByte(t, v, 1); got != 1 {
		t.Errorf("target read got %d want 1", got)
	}
	writeByte(t, v, 2, 2)
	if got := readByte(t, s, 1); got != 2 {
		t.Errorf("slice read got %d want 2", got)
	}
	if got, want := s.Len(), uint64(2*hostarch.PageSize); got != want {
		t.Errorf("Len got %#x want %#x", got, want)
	}
	if err := s.Read(2*hostarch.PageSize, make([]byte, 1)); err != zxerr.ErrOutOfRange {
		t.Errorf("Read past end got err %v want %v", err, zxerr.ErrOutOfRange)
	}

	// A slice of a slice views the target directly.
	ss, err := s.CreateSlice(hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateSlice got err %v want nil", err)
	}
	defer ss.DecRef()
	if got := readByte(t, ss, 0); got != 2 {
		t.Errorf("nested slice read got %d want 2", got)
	}
	if target, off := ss.resolve(); target != v || off != 2*hostarch.PageSize {
		t.Errorf("resolve got (%v, %#x) want (%v, %#x)", target, off, v, 2*hostarch.PageSize)
	}

	// A clone of a slice snapshots the target.
	c, err := s.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer c.DecRef()
	writeByte(t, s, 0, 3)
	if got := readByte(t, c, 0); got != 1 {
		t.Errorf("clone read got %d want 1", got)
	}

	if err := s.SetLen(hostarch.PageSize); err != zxerr.ErrNotSupported {
		t.Errorf("SetLen got err %v want %v", err, zxerr.ErrNotSupported)
	}
	if err := s.SetCachePolicy(hal.Uncached); err != zxerr.ErrNotSupported {
		t.Errorf("SetCachePolicy got err %v want %v", err, zxerr.ErrNotSupported)
	}
}

func TestSliceInvalid(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 2)
	defer v.DecRef()
	for _, test := range []struct {
		name   string
		offset uint64
		length uint64
		want   error
	}{
		{name: "unaligned offset", offset: 1, length: hostarch.PageSize, want: zxerr.ErrInvalidArgs},
		{name: "unaligned length", offset: 0, length: 3, want: zxerr.ErrInvalidArgs},
		{name: "past end", offset: hostarch.PageSize, length: 2 * hostarch.PageSize, want: zxerr.ErrOutOfRange},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := v.CreateSlice(test.offset, test.length); err != test.want {
				t.Errorf("CreateSlice got err %v want %v", err, test.want)
			}
		})
	}
}

func TestSetLen(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPagedResizable(p, 2)
	defer v.DecRef()
	writeByte(t, v, 0, 1)
	writeByte(t, v, 1, 2)

	if err := v.SetLen(1); err != nil {
		t.Fatalf("SetLen got err %v want nil", err)
	}
	if got, want := v.Len(), uint64(hostarch.PageSize); got != want {
		t.Errorf("Len got %#x want %#x", got, want)
	}
	if got, want := mem.AllocatedBytes()-origin, uint64(hostarch.PageSize); got != want {
		t.Errorf("allocated bytes after shrink got %#x want %#x", got, want)
	}

	// Growing again exposes zeroes, not the truncated content.
	if err := v.SetLen(2 * hostarch.PageSize); err != nil {
		t.Fatalf("SetLen got err %v want nil", err)
	}
	if got := readByte(t, v, 1); got != 0 {
		t.Errorf("read after grow got %d want 0", got)
	}
	if got := readByte(t, v, 0); got != 1 {
		t.Errorf("read of kept page got %d want 1", got)
	}

	if err := v.SetLen(^uint64(0)); err != zxerr.ErrOutOfRange {
		t.Errorf("SetLen(max) got err %v want %v", err, zxerr.ErrOutOfRange)
	}
	fixed := NewPaged(p, 1)
	defer fixed.DecRef()
	if err := fixed.SetLen(2 * hostarch.PageSize); err != zxerr.ErrUnavailable {
		t.Errorf("SetLen of fixed VmObject got err %v want %v", err, zxerr.ErrUnavailable)
	}
}

func TestSetLenHidesAncestorContent(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 2)
	defer v.DecRef()
	writeByte(t, v, 1, 9)
	child, err := v.CreateChild(true, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer child.DecRef()

	if err := child.SetLen(hostarch.PageSize); err != nil {
		t.Fatalf("SetLen got err %v want nil", err)
	}
	if err := child.SetLen(2 * hostarch.PageSize); err != nil {
		t.Fatalf("SetLen got err %v want nil", err)
	}
	if got := readByte(t, child, 1); got != 0 {
		t.Errorf("child read after shrink and grow got %d want 0", got)
	}
	if got := readByte(t, v, 1); got != 9 {
		t.Errorf("parent read got %d want 9", got)
	}
}

func TestSetCachePolicy(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPaged(p, 1)
	defer v.DecRef()
	if got := v.CachePolicy(); got != hal.Cached {
		t.Errorf("CachePolicy got %v want %v", got, hal.Cached)
	}
	if err := v.SetCachePolicy(hal.WriteCombining); err != nil {
		t.Fatalf("SetCachePolicy got err %v want nil", err)
	}
	if got := v.Info().CacheName; got != "write-combining" {
		t.Errorf("CacheName got %q want %q", got, "write-combining")
	}
	if err := v.SetCachePolicy(hal.CachePolicy(7)); err != zxerr.ErrInvalidArgs {
		t.Errorf("SetCachePolicy(7) got err %v want %v", err, zxerr.ErrInvalidArgs)
	}
	writeByte(t, v, 0, 1)
	if err := v.SetCachePolicy(hal.Cached); err != zxerr.ErrBadState {
		t.Errorf("SetCachePolicy with committed pages got err %v want %v", err, zxerr.ErrBadState)
	}
}

func TestInfo(t *testing.T) {
	p, _ := newTestPlatform(t)
	v := NewPagedResizable(p, 3)
	defer v.DecRef()
	v.SetName("heap")
	writeByte(t, v, 2, 1)
	got := v.Info()
	want := Info{
		ID:             v.ID(),
		Name:           "heap",
		Kind:           KindPaged,
		KindName:       "paged",
		Size:           3 * hostarch.PageSize,
		CommittedBytes: hostarch.PageSize,
		CachePolicy:    hal.Cached,
		CacheName:      "cached",
		Resizable:      true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}
	if v.ID() < firstKoid {
		t.Errorf("ID got %d want >= %d", v.ID(), firstKoid)
	}
	if got, want := v.String(), "vmo "; len(got) < len(want) || got[:len(want)] != want {
		t.Errorf("String got %q want prefix %q", got, want)
	}
}

// checkCommitted verifies that the committed bytes of vmos add up to the
// memory allocated since origin.
func checkCommitted(t *testing.T, mem *hostmem.Memory, origin uint64, vmos ...*VmObject) {
	t.Helper()
	var sum uint64
	for _, v := range vmos {
		sum += committed(v)
	}
	if got := mem.AllocatedBytes() - origin; sum != got {
		t.Errorf("sum of CommittedBytes got %#x want allocated bytes %#x", sum, got)
	}
}

func TestWriteTakesOverUnsharedPage(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPaged(p, 1)
	defer v.DecRef()
	writeByte(t, v, 0, 1)
	c, err := v.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer c.DecRef()

	// The parent forks a copy; the clone is left as the only object
	// seeing the original frame and takes it over.
	writeByte(t, v, 0, 2)
	before := ReadStats()
	writeByte(t, c, 0, 3)
	d := ReadStats().Sub(before)
	if d.CowMoves != 1 || d.CowCopies != 0 || d.FramesCommitted != 0 {
		t.Errorf("stats delta got %+v want one move and no copies", d)
	}
	if got, want := mem.AllocatedBytes()-origin, uint64(2*hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
	for _, test := range []struct {
		v    *VmObject
		want byte
	}{
		{v, 2},
		{c, 3},
	} {
		if got := readByte(t, test.v, 0); got != test.want {
			t.Errorf("%v read got %d want %d", test.v, got, test.want)
		}
		if got := committed(test.v); got != hostarch.PageSize {
			t.Errorf("%v CommittedBytes got %#x want %#x", test.v, got, hostarch.PageSize)
		}
	}
	checkCommitted(t, mem, origin, v, c)
}

func TestWriteTakesOverPageOutsideCloneWindow(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPaged(p, 2)
	defer v.DecRef()
	writeByte(t, v, 0, 1)
	writeByte(t, v, 1, 2)
	c, err := v.CreateChild(false, hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer c.DecRef()

	// Page 0 is outside the clone, so the parent needs no copy.
	writeByte(t, v, 0, 3)
	if got, want := committed(v), uint64(2*hostarch.PageSize); got != want {
		t.Errorf("parent CommittedBytes got %#x want %#x", got, want)
	}
	if got, want := mem.AllocatedBytes()-origin, uint64(2*hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
	if got := readByte(t, c, 0); got != 2 {
		t.Errorf("clone read got %d want 2", got)
	}
	checkCommitted(t, mem, origin, v, c)
}

func TestShrinkFreesUnseenAncestorPages(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPagedResizable(p, 2)
	defer v.DecRef()
	writeByte(t, v, 0, 1)
	writeByte(t, v, 1, 2)
	c, err := v.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer c.DecRef()

	if err := v.SetLen(hostarch.PageSize); err != nil {
		t.Fatalf("SetLen got err %v want nil", err)
	}
	if got, want := mem.AllocatedBytes()-origin, uint64(hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
	checkCommitted(t, mem, origin, v, c)
}

func TestReleaseFreesUnseenAncestorPages(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPaged(p, 2)
	defer v.DecRef()
	writeByte(t, v, 0, 1)
	writeByte(t, v, 1, 2)
	c, err := v.CreateChild(false, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	d, err := c.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer d.DecRef()
	// Only c sees the original page 1 after this.
	writeByte(t, v, 1, 3)

	c.DecRef()
	if got, want := mem.AllocatedBytes()-origin, uint64(2*hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
	checkCommitted(t, mem, origin, v, d)
	for _, test := range []struct {
		v    *VmObject
		page uint64
		want byte
	}{
		{v, 0, 1},
		{v, 1, 3},
		{d, 0, 1},
	} {
		if got := readByte(t, test.v, test.page); got != test.want {
			t.Errorf("%v page %d got %d want %d", test.v, test.page, got, test.want)
		}
	}
}

func TestReleaseDropsPagesShadowedByAllClones(t *testing.T) {
	p, mem := newTestPlatform(t)
	origin := mem.AllocatedBytes()
	v := NewPaged(p, 1)
	defer v.DecRef()
	writeByte(t, v, 0, 1)
	c, err := v.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	d, err := v.CreateChild(false, 0, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateChild got err %v want nil", err)
	}
	defer d.DecRef()
	writeByte(t, v, 0, 2)
	writeByte(t, d, 0, 3)

	// Once c is gone nobody sees the original page.
	c.DecRef()
	if got, want := mem.AllocatedBytes()-origin, uint64(2*hostarch.PageSize); got != want {
		t.Errorf("allocated bytes got %#x want %#x", got, want)
	}
	checkCommitted(t, mem, origin, v, d)
}

// modelObject is a VmObject with the expected first byte of each page.
type modelObject struct {
	v     *VmObject
	pages []byte
}

func TestRandomCloneTree(t *testing.T) {
	const steps = 80
	for seed := int64(0); seed < 40; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			p, mem := newTestPlatform(t)
			origin := mem.AllocatedBytes()
			rng := rand.New(rand.NewSource(seed))
			var objs []*modelObject
			defer func() {
				for _, o := range objs {
					o.v.DecRef()
				}
			}()
			for step := 0; step < steps; step++ {
				op := rng.Intn(5)
				if len(objs) == 0 {
					op = 0
				}
				switch op {
				case 0:
					n := 1 + rng.Intn(3)
					objs = append(objs, &modelObject{v: NewPagedResizable(p, uint64(n)), pages: make([]byte, n)})
				case 1:
					src := objs[rng.Intn(len(objs))]
					off, n := rng.Intn(len(src.pages)+1), 1+rng.Intn(3)
					c, err := src.v.CreateChild(true, uint64(off)*hostarch.PageSize, uint64(n)*hostarch.PageSize)
					if err != nil {
						t.Fatalf("step %d: CreateChild got err %v want nil", step, err)
					}
					pages := make([]byte, n)
					for i := range pages {
						if off+i < len(src.pages) {
							pages[i] = src.pages[off+i]
						}
					}
					objs = append(objs, &modelObject{v: c, pages: pages})
				case 2:
					o := objs[rng.Intn(len(objs))]
					if len(o.pages) == 0 {
						continue
					}
					i, val := rng.Intn(len(o.pages)), byte(1+rng.Intn(255))
					writeByte(t, o.v, uint64(i), val)
					o.pages[i] = val
				case 3:
					i := rng.Intn(len(objs))
					objs[i].v.DecRef()
					objs = append(objs[:i], objs[i+1:]...)
				case 4:
					o := objs[rng.Intn(len(objs))]
					n := rng.Intn(4)
					if err := o.v.SetLen(uint64(n) * hostarch.PageSize); err != nil {
						t.Fatalf("step %d: SetLen got err %v want nil", step, err)
					}
					pages := make([]byte, n)
					copy(pages, o.pages)
					o.pages = pages
				}

				var sum uint64
				for _, o := range objs {
					for i, want := range o.pages {
						if got := readByte(t, o.v, uint64(i)); got != want {
							t.Fatalf("step %d: %v page %d got %d want %d", step, o.v, i, got, want)
						}
					}
					sum += committed(o.v)
				}
				if got := mem.AllocatedBytes() - origin; sum != got {
					t.Fatalf("step %d: sum of CommittedBytes got %#x want allocated bytes %#x", step, sum, got)
				}
			}
		})
	}
}

func TestNewPagedTooLarge(t *testing.T) {
	p, _ := newTestPlatform(t)
	defer func() {
		if recover() == nil {
			t.Errorf("NewPaged(MaxPages+1) did not panic")
		}
	}()
	NewPaged(p, MaxPages+1)
}
