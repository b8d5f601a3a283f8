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
	"sync/atomic"

	"github.com/google/btree"
	"github.com/zirconvm/zvm/pkg/cleanup"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/pkg/sync"
)

// VmarFlags are the permissions a region grants to mappings created in it
// and in its descendants.
type VmarFlags uint32

// VmarFlags values.
const (
	CanMapRead VmarFlags = 1 << iota
	CanMapWrite
	CanMapExecute

	CanMapRXW = CanMapRead | CanMapWrite | CanMapExecute
)

// String implements fmt.Stringer.String.
func (f VmarFlags) String() string {
	bits := [3]byte{'-', '-', '-'}
	if f&CanMapRead != 0 {
		bits[0] = 'r'
	}
	if f&CanMapWrite != 0 {
		bits[1] = 'w'
	}
	if f&CanMapExecute != 0 {
		bits[2] = 'x'
	}
	return string(bits[:])
}

// vmarFlagsFor returns the VmarFlags needed to create a mapping with flags.
func vmarFlagsFor(flags hal.MMUFlags) VmarFlags {
	var f VmarFlags
	if flags&hal.Read != 0 {
		f |= CanMapRead
	}
	if flags&hal.Write != 0 {
		f |= CanMapWrite
	}
	if flags&hal.Execute != 0 {
		f |= CanMapExecute
	}
	return f
}

// allows returns true if mappings with flags may be created under f.
func (f VmarFlags) allows(flags hal.MMUFlags) bool {
	return vmarFlagsFor(flags)&^f == 0
}

// The range spanned by a root region.
const (
	RootBase hostarch.Addr = 0x0000_0000_0100_0000
	RootSize uint64        = 0x0000_7fff_fe00_0000
)

// child is an entry of a region's children index. Exactly one of region and
// mapping is set.
type child struct {
	start   hostarch.Addr
	region  *VmAddressRegion
	mapping *Mapping
}

func (c child) end() hostarch.Addr {
	if c.region != nil {
		return c.region.base + hostarch.Addr(c.region.size)
	}
	return c.mapping.end()
}

func (c child) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: c.start, End: c.end()}
}

func childLess(a, b child) bool {
	return a.start < b.start
}

// childrenDegree is the B-tree degree of the children index.
const childrenDegree = 8

// VmAddressRegion is a node of an address space: a contiguous range of
// virtual addresses partitioned into disjoint sub-regions and mappings.
//
// A region is Alive until it or one of its ancestors is destroyed; then it
// is Dead and every operation on it fails with ErrBadState.
type VmAddressRegion struct {
	flags  VmarFlags
	base   hostarch.Addr
	size   uint64
	parent *VmAddressRegion
	plat   *hal.Platform
	pt     hal.PageTable

	// dead is set with mu held and may be read without it.
	dead atomic.Bool

	mu sync.Mutex

	// children indexes sub-regions and mappings by start address. It is
	// protected by mu.
	children *btree.BTreeG[child]
}

// NewRoot returns the root region of a new address space whose page table
// is pt. The page table must contain no entries in the root's range.
func NewRoot(p *hal.Platform, pt hal.PageTable) *VmAddressRegion {
	return newRegion(nil, p, pt, RootBase, RootSize, CanMapRXW)
}

func newRegion(parent *VmAddressRegion, p *hal.Platform, pt hal.PageTable, base hostarch.Addr, size uint64, flags VmarFlags) *VmAddressRegion {
	return &VmAddressRegion{
		flags:    flags,
		base:     base,
		size:     size,
		parent:   parent,
		plat:     p,
		pt:       pt,
		children: btree.NewG[child](childrenDegree, childLess),
	}
}

// Addr returns the first address of r.
func (r *VmAddressRegion) Addr() hostarch.Addr {
	return r.base
}

// Size returns the length of r in bytes.
func (r *VmAddressRegion) Size() uint64 {
	return r.size
}

// Range returns the address range of r.
func (r *VmAddressRegion) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.base, End: r.end()}
}

// Flags returns the permissions r grants.
func (r *VmAddressRegion) Flags() VmarFlags {
	return r.flags
}

// PageTable returns the page table of r's address space.
func (r *VmAddressRegion) PageTable() hal.PageTable {
	return r.pt
}

// IsAlive returns true if r has not been destroyed.
func (r *VmAddressRegion) IsAlive() bool {
	return !r.dead.Load()
}

// IsDead returns true if r or one of its ancestors has been destroyed.
func (r *VmAddressRegion) IsDead() bool {
	return r.dead.Load()
}

// String implements fmt.Stringer.String.
func (r *VmAddressRegion) String() string {
	return fmt.Sprintf("vmar %v %v", r.Range(), r.flags)
}

func (r *VmAddressRegion) end() hostarch.Addr {
	return r.base + hostarch.Addr(r.size)
}

// rangeAt validates the page-granular range [offset, offset+length) relative
// to r and returns it in absolute addresses.
func (r *VmAddressRegion) rangeAt(offset, length uint64) (hostarch.AddrRange, error) {
	if !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) || length == 0 {
		return hostarch.AddrRange{}, zxerr.ErrInvalidArgs
	}
	if end := offset + length; end < offset || end > r.size {
		return hostarch.AddrRange{}, zxerr.ErrInvalidArgs
	}
	start := r.base + hostarch.Addr(offset)
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(length)}, nil
}

// validAlign returns true if align is a power of two no smaller than a page.
func validAlign(align uint64) bool {
	return align >= hostarch.PageSize && align&(align-1) == 0
}

// overlapsLocked returns true if ar overlaps any child of r.
//
// Preconditions: r.mu is held.
func (r *VmAddressRegion) overlapsLocked(ar hostarch.AddrRange) bool {
	overlaps := false
	r.children.DescendLessOrEqual(child{start: ar.End - 1}, func(c child) bool {
		overlaps = c.end() > ar.Start
		return false
	})
	return overlaps
}

// findGapLocked returns the first address in r at which length bytes
// aligned to align are free.
//
// Preconditions: r.mu is held.
func (r *VmAddressRegion) findGapLocked(length, align uint64) (hostarch.Addr, bool) {
	cursor := r.base
	fits := func(limit hostarch.Addr) (hostarch.Addr, bool) {
		start := hostarch.Addr((uint64(cursor) + align - 1) &^ (align - 1))
		if start < cursor {
			return 0, false
		}
		end, ok := start.AddLength(length)
		return start, ok && end <= limit
	}
	var (
		found hostarch.Addr
		ok    bool
	)
	r.children.Ascend(func(c child) bool {
		if found, ok = fits(c.start); ok {
			return false
		}
		cursor = c.end()
		return true
	})
	if ok {
		return found, true
	}
	return fits(r.end())
}

// AllocateAt creates a sub-region of size bytes at offset from the start of
// r. The sub-region may grant at most the permissions of r.
func (r *VmAddressRegion) AllocateAt(offset, size uint64, flags VmarFlags, align uint64) (*VmAddressRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return nil, zxerr.ErrBadState
	}
	if !validAlign(align) || flags&^r.flags != 0 {
		return nil, zxerr.ErrInvalidArgs
	}
	ar, err := r.rangeAt(offset, size)
	if err != nil {
		return nil, err
	}
	if uint64(ar.Start)&(align-1) != 0 || r.overlapsLocked(ar) {
		return nil, zxerr.ErrInvalidArgs
	}
	return r.allocateLocked(ar, flags), nil
}

// Allocate creates a sub-region of size bytes at the first free range of r
// aligned to align. It fails with ErrNoMemory if no such range exists.
func (r *VmAddressRegion) Allocate(size uint64, flags VmarFlags, align uint64) (*VmAddressRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return nil, zxerr.ErrBadState
	}
	if !validAlign(align) || flags&^r.flags != 0 || !hostarch.IsPageAligned(size) || size == 0 {
		return nil, zxerr.ErrInvalidArgs
	}
	start, ok := r.findGapLocked(size, align)
	if !ok {
		return nil, zxerr.ErrNoMemory
	}
	return r.allocateLocked(hostarch.AddrRange{Start: start, End: start + hostarch.Addr(size)}, flags), nil
}

// Preconditions: r.mu is held; ar is a free range of r.
func (r *VmAddressRegion) allocateLocked(ar hostarch.AddrRange, flags VmarFlags) *VmAddressRegion {
	sub := newRegion(r, r.plat, r.pt, ar.Start, ar.Length(), flags)
	r.children.ReplaceOrInsert(child{start: ar.Start, region: sub})
	return sub
}

// MapAt maps [vmoOffset, vmoOffset+length) of vmo at offset from the start
// of r, installing page table entries for every page. On failure nothing is
// mapped.
//
// The permission bits of flags must be granted by r. Cache policy bits are
// ignored; mappings use the cache policy of vmo.
func (r *VmAddressRegion) MapAt(offset uint64, vmo *VmObject, vmoOffset, length uint64, flags hal.MMUFlags) (hostarch.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return 0, zxerr.ErrBadState
	}
	ar, err := r.rangeAt(offset, length)
	if err != nil {
		return 0, err
	}
	if err := r.checkMapLocked(vmo, vmoOffset, length, flags); err != nil {
		return 0, err
	}
	if r.overlapsLocked(ar) {
		return 0, zxerr.ErrInvalidArgs
	}
	if err := r.mapLocked(ar.Start, vmo, vmoOffset, length, flags); err != nil {
		return 0, err
	}
	return ar.Start, nil
}

// Map is like MapAt but places the mapping at the first free range of r.
func (r *VmAddressRegion) Map(vmo *VmObject, vmoOffset, length uint64, flags hal.MMUFlags) (hostarch.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return 0, zxerr.ErrBadState
	}
	if !hostarch.IsPageAligned(length) || length == 0 {
		return 0, zxerr.ErrInvalidArgs
	}
	if err := r.checkMapLocked(vmo, vmoOffset, length, flags); err != nil {
		return 0, err
	}
	start, ok := r.findGapLocked(length, hostarch.PageSize)
	if !ok {
		return 0, zxerr.ErrNoMemory
	}
	if err := r.mapLocked(start, vmo, vmoOffset, length, flags); err != nil {
		return 0, err
	}
	return start, nil
}

// Preconditions: r.mu is held.
func (r *VmAddressRegion) checkMapLocked(vmo *VmObject, vmoOffset, length uint64, flags hal.MMUFlags) error {
	if !hostarch.IsPageAligned(vmoOffset) || !r.flags.allows(flags) {
		return zxerr.ErrInvalidArgs
	}
	if end := vmoOffset + length; end < vmoOffset || end > vmo.Len() {
		return zxerr.ErrInvalidArgs
	}
	return nil
}

// mapLocked creates a mapping at start. The mapping holds a reference on
// the VmObject backing it.
//
// Preconditions: r.mu is held; [start, start+length) is a free range of r.
func (r *VmAddressRegion) mapLocked(start hostarch.Addr, vmo *VmObject, vmoOffset, length uint64, flags hal.MMUFlags) error {
	target, base := vmo.resolve()
	backing, ok := target.impl.(mappable)
	if !ok {
		return zxerr.ErrNotSupported
	}
	target.IncRef()
	cu := cleanup.Make(target.DecRef)
	defer cu.Clean()

	m := &Mapping{
		region:    r,
		pt:        r.pt,
		addr:      start,
		size:      length,
		obj:       target,
		backing:   backing,
		vmoOffset: base + vmoOffset,
		flags:     flags &^ hal.CachePolicyMask,
	}
	if err := backing.addMapping(m); err != nil {
		return err
	}
	cu.Release()
	r.children.ReplaceOrInsert(child{start: start, mapping: m})
	stats.mappingsCreated.Add(1)
	return nil
}

// releaseMappingLocked removes m from its VmObject and the page table and
// drops its reference. m must already be out of r's index.
//
// Preconditions: r.mu is held.
func (r *VmAddressRegion) releaseMappingLocked(m *Mapping) {
	m.backing.removeMapping(m)
	if err := hal.UnmapRange(r.pt, m.addr, m.pages()); err != nil {
		log.Warningf("vm: unmapping %v: %v", m, err)
	}
	m.obj.DecRef()
}

// splitLocked replaces m in r's index by mappings covering the same range,
// where the part of m within ar gets flags and the rest keeps m's flags.
// It returns the mapping covering the intersection of m and ar. Page table
// entries are not touched.
//
// Preconditions: r.mu is held; m is a child of r overlapping ar.
func (r *VmAddressRegion) splitLocked(m *Mapping, ar hostarch.AddrRange, flags hal.MMUFlags) *Mapping {
	cut := m.Range().Intersect(ar)
	var repl []*Mapping
	if m.addr < cut.Start {
		repl = append(repl, m.sub(m.addr, cut.Start, m.flags))
	}
	mid := m.sub(cut.Start, cut.End, flags)
	repl = append(repl, mid)
	if cut.End < m.end() {
		repl = append(repl, m.sub(cut.End, m.end(), m.flags))
	}
	m.backing.replaceMapping(m, repl)
	r.children.Delete(child{start: m.addr})
	for _, n := range repl {
		r.children.ReplaceOrInsert(child{start: n.addr, mapping: n})
	}
	m.obj.DecRef()
	return mid
}

// overlappingLocked returns the children of r overlapping ar in address
// order.
//
// Preconditions: r.mu is held.
func (r *VmAddressRegion) overlappingLocked(ar hostarch.AddrRange) []child {
	var cs []child
	r.children.DescendLessOrEqual(child{start: ar.Start}, func(c child) bool {
		if c.end() > ar.Start {
			cs = append(cs, c)
		}
		return false
	})
	r.children.AscendRange(child{start: ar.Start + 1}, child{start: ar.End}, func(c child) bool {
		cs = append(cs, c)
		return true
	})
	return cs
}

// Unmap removes every mapping and sub-region within [addr, addr+length).
// Mappings partially within the range are split, keeping the parts outside
// it. Sub-regions must lie entirely within or entirely outside the range;
// otherwise Unmap fails with ErrInvalidArgs and r is unchanged. Parts of the
// range outside r are ignored.
func (r *VmAddressRegion) Unmap(addr hostarch.Addr, length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return zxerr.ErrBadState
	}
	if !addr.IsPageAligned() || !hostarch.IsPageAligned(length) || length == 0 {
		return zxerr.ErrInvalidArgs
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return zxerr.ErrInvalidArgs
	}
	ar = ar.Intersect(r.Range())
	if ar.Length() == 0 {
		return nil
	}

	cs := r.overlappingLocked(ar)
	for _, c := range cs {
		if c.region != nil && !ar.IsSupersetOf(c.addrRange()) {
			return zxerr.ErrInvalidArgs
		}
	}
	for _, c := range cs {
		if c.region != nil {
			r.children.Delete(c)
			c.region.mu.Lock()
			c.region.destroyLocked()
			c.region.mu.Unlock()
			continue
		}
		m := c.mapping
		cut := m.Range().Intersect(ar)
		mid := r.splitLocked(m, cut, m.flags)
		r.children.Delete(child{start: mid.addr})
		r.releaseMappingLocked(mid)
	}
	return nil
}

// protectTarget is a mapping to be changed by Protect, with the region
// holding it.
type protectTarget struct {
	region  *VmAddressRegion
	mapping *Mapping
}

// Protect changes the permissions of every mapping within
// [addr, addr+length). The range must be fully covered by mappings, directly
// or within sub-regions that lie entirely inside it; a hole fails with
// ErrNotFound. The new permissions must be granted by every region holding
// an affected mapping. On failure no mapping is changed.
func (r *VmAddressRegion) Protect(addr hostarch.Addr, length uint64, flags hal.MMUFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return zxerr.ErrBadState
	}
	if !addr.IsPageAligned() || !hostarch.IsPageAligned(length) || length == 0 {
		return zxerr.ErrInvalidArgs
	}
	ar, ok := addr.ToRange(length)
	if !ok || !r.Range().IsSupersetOf(ar) {
		return zxerr.ErrInvalidArgs
	}
	flags &^= hal.CachePolicyMask

	var (
		targets []protectTarget
		locked  []*VmAddressRegion
	)
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()
	if err := r.collectProtectLocked(ar, flags, &targets, &locked); err != nil {
		return err
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	for _, t := range targets {
		old := t.mapping
		oldFlags := old.flags
		reg := t.region
		mid := reg.splitLocked(old, ar, flags)
		cu.Add(func() {
			back := reg.splitLocked(mid, mid.Range(), oldFlags)
			if err := back.backing.refreshMapping(back); err != nil {
				log.Warningf("vm: restoring %v: %v", back, err)
			}
		})
		if err := mid.backing.refreshMapping(mid); err != nil {
			return err
		}
	}
	cu.Release()
	return nil
}

// collectProtectLocked appends the mappings of r within ar to targets,
// locking the sub-regions it descends into and appending them to locked.
//
// Preconditions: r.mu is held; ar is within r.
func (r *VmAddressRegion) collectProtectLocked(ar hostarch.AddrRange, flags hal.MMUFlags, targets *[]protectTarget, locked *[]*VmAddressRegion) error {
	if !r.flags.allows(flags) {
		return zxerr.ErrInvalidArgs
	}
	cursor := ar.Start
	for _, c := range r.overlappingLocked(ar) {
		if c.start > cursor {
			return zxerr.ErrNotFound
		}
		if c.region != nil {
			if !ar.IsSupersetOf(c.addrRange()) {
				return zxerr.ErrInvalidArgs
			}
			c.region.mu.Lock()
			*locked = append(*locked, c.region)
			if err := c.region.collectProtectLocked(c.addrRange(), flags, targets, locked); err != nil {
				return err
			}
		} else {
			*targets = append(*targets, protectTarget{region: r, mapping: c.mapping})
		}
		cursor = c.end()
	}
	if cursor < ar.End {
		return zxerr.ErrNotFound
	}
	return nil
}

// Destroy destroys r and all of its descendants, removing every mapping in
// them. The range of r becomes free in its parent.
func (r *VmAddressRegion) Destroy() error {
	if p := r.parent; p != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		return zxerr.ErrBadState
	}
	r.destroyLocked()
	if p := r.parent; p != nil {
		p.children.Delete(child{start: r.base})
	}
	return nil
}

// destroyLocked marks r and its descendants dead and releases their
// mappings.
//
// Preconditions: r.mu is held.
func (r *VmAddressRegion) destroyLocked() {
	r.dead.Store(true)
	mappings, regions := 0, 0
	r.children.Ascend(func(c child) bool {
		if c.region != nil {
			c.region.mu.Lock()
			c.region.destroyLocked()
			c.region.mu.Unlock()
			regions++
		} else {
			r.releaseMappingLocked(c.mapping)
			mappings++
		}
		return true
	})
	r.children.Clear(false)
	if log.IsLogging(log.Debug) {
		log.Debugf("vm: destroyed %v with %d mappings and %d sub-regions", r, mappings, regions)
	}
}

// Count returns the number of direct children of r.
func (r *VmAddressRegion) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children.Len()
}

// UsedSize returns the number of bytes mapped in r and its descendants.
func (r *VmAddressRegion) UsedSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var used uint64
	r.children.Ascend(func(c child) bool {
		if c.region != nil {
			used += c.region.UsedSize()
		} else {
			used += c.mapping.size
		}
		return true
	})
	return used
}

// FindMapping returns the mapping containing addr, searching descendants of
// r. It returns nil if addr is not mapped.
func (r *VmAddressRegion) FindMapping(addr hostarch.Addr) *Mapping {
	r.mu.Lock()
	c, ok := r.lookupLocked(addr)
	r.mu.Unlock()
	switch {
	case !ok:
		return nil
	case c.region != nil:
		return c.region.FindMapping(addr)
	default:
		return c.mapping
	}
}

// lookupLocked returns the child of r containing addr.
//
// Preconditions: r.mu is held.
func (r *VmAddressRegion) lookupLocked(addr hostarch.Addr) (child, bool) {
	var (
		found child
		ok    bool
	)
	r.children.DescendLessOrEqual(child{start: addr}, func(c child) bool {
		found, ok = c, c.end() > addr
		return false
	})
	return found, ok
}
