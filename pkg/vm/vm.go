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

// Package vm implements virtual memory objects and address regions.
//
// A VmObject describes memory content: demand-populated copy-on-write pages
// (paged), a pinned physical range (physical), or a window onto another
// VmObject (slice). A VmAddressRegion partitions a range of virtual address
// space into disjoint sub-regions and mappings of VmObjects, and resolves
// page faults against them through an injected hal.PageTable.
//
// Lock ordering:
//
//	VmAddressRegion.mu (parent before child)
//	  hierarchy.mu
//	    pagedNode.mu / physical.mu
//	      hal.PageTable and hal.FrameAllocator internals
//
// VmObject code never acquires a VmAddressRegion lock.
package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/refs"
	"github.com/zirconvm/zvm/pkg/sync"
)

// Kind is the variant of a VmObject.
type Kind int

// VmObject kinds.
const (
	KindPaged Kind = iota
	KindPhysical
	KindSlice
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindPaged:
		return "paged"
	case KindPhysical:
		return "physical"
	case KindSlice:
		return "slice"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// firstKoid is the first kernel object ID handed out.
const firstKoid = 1024

// koids counts kernel object IDs handed out so far.
var koids atomic.Uint64

func newKoid() uint64 {
	return firstKoid + koids.Add(1) - 1
}

// Info describes a VmObject.
type Info struct {
	ID             uint64          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Kind           Kind            `json:"-"`
	KindName       string          `json:"kind"`
	Size           uint64          `json:"size"`
	CommittedBytes uint64          `json:"committed_bytes"`
	CachePolicy    hal.CachePolicy `json:"-"`
	CacheName      string          `json:"cache_policy"`
	Resizable      bool            `json:"resizable"`
	IsClone        bool            `json:"is_clone"`
	NumChildren    int             `json:"num_children"`
	NumMappings    int             `json:"num_mappings"`
}

// vmoImpl is the variant-specific part of a VmObject.
type vmoImpl interface {
	size() uint64
	read(offset uint64, dst []byte) error
	write(offset uint64, src []byte) error
	setLen(size uint64) error
	createChild(resizable bool, offset, length uint64) (*VmObject, error)
	cachePolicy() hal.CachePolicy
	setCachePolicy(p hal.CachePolicy) error
	info(i *Info)
	release()
}

// VmObject is a reference-counted unit of memory content.
//
// The creator holds the initial reference and drops it with DecRef. Every
// mapping and every slice of a VmObject holds a further reference.
type VmObject struct {
	refs refs.Refs

	id   uint64
	kind Kind
	impl vmoImpl

	// origin is the VmObject this one was cloned from, if any. It is used
	// only for child accounting and may already be released.
	origin *VmObject

	// children counts live clones created from this VmObject.
	children atomic.Int32

	nameMu sync.Mutex
	name   string
}

func newVmObject(kind Kind, impl vmoImpl) *VmObject {
	v := &VmObject{
		id:   newKoid(),
		kind: kind,
		impl: impl,
	}
	v.refs.InitRefs(v)
	return v
}

// ID returns the kernel object ID of v.
func (v *VmObject) ID() uint64 {
	return v.id
}

// Kind returns the variant of v.
func (v *VmObject) Kind() Kind {
	return v.kind
}

// Name returns the diagnostic name of v.
func (v *VmObject) Name() string {
	v.nameMu.Lock()
	defer v.nameMu.Unlock()
	return v.name
}

// SetName sets the diagnostic name of v.
func (v *VmObject) SetName(name string) {
	v.nameMu.Lock()
	defer v.nameMu.Unlock()
	v.name = name
}

// IncRef takes an additional reference on v.
func (v *VmObject) IncRef() {
	v.refs.IncRef()
}

// DecRef drops a reference on v. Dropping the last reference releases the
// frames v privately owns.
func (v *VmObject) DecRef() {
	v.refs.DecRef(v.destroy)
}

func (v *VmObject) destroy() {
	v.impl.release()
	if v.origin != nil {
		v.origin.children.Add(-1)
		v.origin = nil
	}
}

// RefType implements refs.CheckedObject.RefType.
func (v *VmObject) RefType() string {
	return "vm.VmObject"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (v *VmObject) LeakMessage() string {
	return fmt.Sprintf("[vm.VmObject %d %q] %s, reference count of %d instead of 0", v.id, v.Name(), v.kind, v.refs.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (v *VmObject) LogRefs() bool {
	return false
}

// Len returns the size of v in bytes.
func (v *VmObject) Len() uint64 {
	return v.impl.size()
}

// SetLen resizes v to size bytes, rounded up to a whole page. Only resizable
// paged VmObjects can be resized; others return ErrUnavailable or
// ErrNotSupported.
func (v *VmObject) SetLen(size uint64) error {
	return v.impl.setLen(size)
}

// Read copies len(dst) bytes at offset into dst.
func (v *VmObject) Read(offset uint64, dst []byte) error {
	if err := checkRange(offset, uint64(len(dst)), v.impl.size()); err != nil {
		return err
	}
	return v.impl.read(offset, dst)
}

// Write copies src into v at offset.
func (v *VmObject) Write(offset uint64, src []byte) error {
	if err := checkRange(offset, uint64(len(src)), v.impl.size()); err != nil {
		return err
	}
	return v.impl.write(offset, src)
}

// CreateChild returns a copy-on-write snapshot of [offset, offset+length)
// of v. The child may extend past the end of v; that part reads as zero.
func (v *VmObject) CreateChild(resizable bool, offset, length uint64) (*VmObject, error) {
	if !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) {
		return nil, zxerr.ErrInvalidArgs
	}
	if end := offset + length; end < offset || offset > v.impl.size() {
		return nil, zxerr.ErrOutOfRange
	}
	c, err := v.impl.createChild(resizable, offset, length)
	if err != nil {
		return nil, err
	}
	if c.origin == nil {
		c.origin = v
		v.children.Add(1)
	}
	return c, nil
}

// CachePolicy returns the cache policy applied to mappings of v.
func (v *VmObject) CachePolicy() hal.CachePolicy {
	return v.impl.cachePolicy()
}

// SetCachePolicy changes the cache policy of a paged VmObject. It fails with
// ErrBadState once v has committed pages, mappings or clones.
func (v *VmObject) SetCachePolicy(p hal.CachePolicy) error {
	if !p.Valid() {
		return zxerr.ErrInvalidArgs
	}
	return v.impl.setCachePolicy(p)
}

// Info returns a description of v.
func (v *VmObject) Info() Info {
	i := Info{
		ID:          v.id,
		Name:        v.Name(),
		Kind:        v.kind,
		KindName:    v.kind.String(),
		NumChildren: int(v.children.Load()),
	}
	v.impl.info(&i)
	i.CacheName = i.CachePolicy.String()
	return i
}

// String implements fmt.Stringer.String.
func (v *VmObject) String() string {
	if name := v.Name(); name != "" {
		return fmt.Sprintf("vmo %d (%s)", v.id, name)
	}
	return fmt.Sprintf("vmo %d", v.id)
}

// checkRange validates the byte range [offset, offset+length) against size.
func checkRange(offset, length, size uint64) error {
	end := offset + length
	if end < offset || end > size {
		return zxerr.ErrOutOfRange
	}
	return nil
}
