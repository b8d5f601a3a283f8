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
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/sync"
)

// physical is a VmObject over a fixed range of physical memory, such as
// device registers or a contiguous DMA buffer. Its pages are never
// allocated or freed by the VmObject.
type physical struct {
	plat   *hal.Platform
	base   hal.PhysAddr
	length uint64

	mu       sync.Mutex
	policy   hal.CachePolicy
	mappings mappingSet
}

var _ vmoImpl = (*physical)(nil)
var _ mappable = (*physical)(nil)

// NewPhysical returns a VmObject over [paddr, paddr+pages*PageSize). The
// range is not claimed from the frame allocator; the caller owns it.
// Mappings default to the Uncached policy.
func NewPhysical(p *hal.Platform, paddr hal.PhysAddr, pages uint64) (*VmObject, error) {
	length := pages << hostarch.PageShift
	if !paddr.IsPageAligned() || length>>hostarch.PageShift != pages || uint64(paddr)+length < uint64(paddr) {
		return nil, zxerr.ErrInvalidArgs
	}
	ph := &physical{
		plat:     p,
		base:     paddr,
		length:   length,
		policy:   hal.Uncached,
		mappings: make(mappingSet),
	}
	return newVmObject(KindPhysical, ph), nil
}

// size implements vmoImpl.size.
func (ph *physical) size() uint64 {
	return ph.length
}

// read implements vmoImpl.read.
func (ph *physical) read(offset uint64, dst []byte) error {
	if err := checkRange(offset, uint64(len(dst)), ph.length); err != nil {
		return err
	}
	return ph.plat.Mem.ReadAt(ph.base+hal.PhysAddr(offset), dst)
}

// write implements vmoImpl.write.
func (ph *physical) write(offset uint64, src []byte) error {
	if err := checkRange(offset, uint64(len(src)), ph.length); err != nil {
		return err
	}
	return ph.plat.Mem.WriteAt(ph.base+hal.PhysAddr(offset), src)
}

// setLen implements vmoImpl.setLen.
func (*physical) setLen(uint64) error {
	return zxerr.ErrUnavailable
}

// createChild implements vmoImpl.createChild.
func (*physical) createChild(bool, uint64, uint64) (*VmObject, error) {
	return nil, zxerr.ErrNotSupported
}

// cachePolicy implements vmoImpl.cachePolicy.
func (ph *physical) cachePolicy() hal.CachePolicy {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.policy
}

// setCachePolicy implements vmoImpl.setCachePolicy.
func (*physical) setCachePolicy(hal.CachePolicy) error {
	return zxerr.ErrNotSupported
}

// info implements vmoImpl.info.
func (ph *physical) info(i *Info) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	i.Size = ph.length
	i.CommittedBytes = ph.length
	i.CachePolicy = ph.policy
	i.NumMappings = len(ph.mappings)
}

// release implements vmoImpl.release.
func (ph *physical) release() {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if len(ph.mappings) != 0 {
		panic("vm: released a physical VmObject that is still mapped")
	}
}

// addMapping implements mappable.addMapping.
func (ph *physical) addMapping(m *Mapping) error {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if m.vmoOffset+m.size > ph.length {
		return zxerr.ErrInvalidArgs
	}
	if err := hal.MapContiguous(m.pt, m.addr, ph.base+hal.PhysAddr(m.vmoOffset), m.pages(), m.pteFlags(true, ph.policy)); err != nil {
		return err
	}
	ph.mappings.add(m)
	return nil
}

// removeMapping implements mappable.removeMapping.
func (ph *physical) removeMapping(m *Mapping) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	ph.mappings.remove(m)
}

// replaceMapping implements mappable.replaceMapping.
func (ph *physical) replaceMapping(old *Mapping, repl []*Mapping) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	ph.mappings.remove(old)
	for _, m := range repl {
		ph.mappings.add(m)
	}
}

// fault implements mappable.fault.
func (ph *physical) fault(m *Mapping, vaddr hostarch.Addr, _ bool) error {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if m.dead.Load() {
		return zxerr.ErrBadState
	}
	off := hostarch.PageRoundDown(m.offsetOf(vaddr))
	if off >= ph.length {
		return zxerr.ErrOutOfRange
	}
	return m.pt.Map(vaddr.RoundDown(), ph.base+hal.PhysAddr(off), m.pteFlags(true, ph.policy))
}

// refreshMapping implements mappable.refreshMapping.
func (ph *physical) refreshMapping(m *Mapping) error {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return hal.ProtectRange(m.pt, m.addr, m.pages(), m.pteFlags(true, ph.policy))
}
