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

	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
)

// mappable is implemented by VmObject contents that back mappings directly.
// Slices are resolved to their target before a mapping is created.
//
// Implementations keep a registry of their mappings so that changes to the
// content (a page forked, shared or truncated) update every page table
// entry that refers to it.
type mappable interface {
	// addMapping installs page table entries for every page of m and
	// registers it. On failure no entries remain installed.
	addMapping(m *Mapping) error

	// removeMapping unregisters m and marks it dead. The caller removes its
	// page table entries afterwards.
	removeMapping(m *Mapping)

	// replaceMapping atomically unregisters old and registers repl, whose
	// ranges lie within old's. Page table entries are not touched.
	replaceMapping(old *Mapping, repl []*Mapping)

	// fault resolves the page of m containing vaddr and installs its page
	// table entry.
	fault(m *Mapping, vaddr hostarch.Addr, write bool) error

	// refreshMapping recomputes the entries of m that are present in the
	// page table, e.g. after its flags changed.
	refreshMapping(m *Mapping) error
}

// Mapping projects [vmoOffset, vmoOffset+size) of a VmObject into
// [addr, addr+size) of an address space.
//
// A Mapping is immutable apart from its dead flag; unmapping or protecting
// part of it replaces it with new Mappings.
type Mapping struct {
	region    *VmAddressRegion
	pt        hal.PageTable
	addr      hostarch.Addr
	size      uint64
	obj       *VmObject
	backing   mappable
	vmoOffset uint64

	// flags holds permission and User bits. Cache policy bits come from
	// the VmObject.
	flags hal.MMUFlags

	dead atomic.Bool
}

// Addr returns the first virtual address of m.
func (m *Mapping) Addr() hostarch.Addr {
	return m.addr
}

// Size returns the length of m in bytes.
func (m *Mapping) Size() uint64 {
	return m.size
}

// Range returns the virtual address range of m.
func (m *Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.addr, End: m.end()}
}

// Object returns the VmObject backing m.
func (m *Mapping) Object() *VmObject {
	return m.obj
}

// VmoOffset returns the offset in Object of the first byte of m.
func (m *Mapping) VmoOffset() uint64 {
	return m.vmoOffset
}

// Flags returns the access flags of m.
func (m *Mapping) Flags() hal.MMUFlags {
	return m.flags
}

// String implements fmt.Stringer.String.
func (m *Mapping) String() string {
	return fmt.Sprintf("mapping %v %v of %v+%#x", m.Range(), m.flags, m.obj, m.vmoOffset)
}

func (m *Mapping) end() hostarch.Addr {
	return m.addr + hostarch.Addr(m.size)
}

func (m *Mapping) pages() uint64 {
	return m.size >> hostarch.PageShift
}

// offsetOf returns the VmObject offset mapped at vaddr.
func (m *Mapping) offsetOf(vaddr hostarch.Addr) uint64 {
	return m.vmoOffset + uint64(vaddr-m.addr)
}

// addrOf returns the virtual address at which VmObject offset off is
// mapped. ok is false if m does not map off.
func (m *Mapping) addrOf(off uint64) (hostarch.Addr, bool) {
	if off < m.vmoOffset || off-m.vmoOffset >= m.size {
		return 0, false
	}
	return m.addr + hostarch.Addr(off-m.vmoOffset), true
}

// pteFlags returns the page table flags for a page of m. Pages that are
// shared copy-on-write are never writable.
func (m *Mapping) pteFlags(writable bool, policy hal.CachePolicy) hal.MMUFlags {
	f := (m.flags &^ hal.CachePolicyMask).WithCachePolicy(policy)
	if !writable {
		f &^= hal.Write
	}
	return f
}

// sub returns a new Mapping covering [start, end) of m with the given flags.
// It takes a reference on the VmObject.
func (m *Mapping) sub(start, end hostarch.Addr, flags hal.MMUFlags) *Mapping {
	m.obj.IncRef()
	return &Mapping{
		region:    m.region,
		pt:        m.pt,
		addr:      start,
		size:      uint64(end - start),
		obj:       m.obj,
		backing:   m.backing,
		vmoOffset: m.offsetOf(start),
		flags:     flags,
	}
}

// mappingSet is the registry of mappings of one VmObject.
type mappingSet map[*Mapping]struct{}

func (s mappingSet) add(m *Mapping) {
	s[m] = struct{}{}
}

func (s mappingSet) remove(m *Mapping) {
	delete(s, m)
	m.dead.Store(true)
}

// forEachCovering calls fn for every mapping in s that maps VmObject offset
// off, with the virtual address it is mapped at.
func (s mappingSet) forEachCovering(off uint64, fn func(m *Mapping, vaddr hostarch.Addr)) {
	for m := range s {
		if vaddr, ok := m.addrOf(off); ok {
			fn(m, vaddr)
		}
	}
}
