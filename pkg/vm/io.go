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
	"github.com/zirconvm/zvm/pkg/blockrange"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
)

// maxFaultRetries bounds the faults taken for one page by a single copy. A
// concurrent Unmap or Protect can undo a resolved fault before the copy
// reads the page table.
const maxFaultRetries = 3

// ReadMemory copies len(dst) bytes at addr in r's address space into dst,
// resolving page faults as the MMU would. Any error is a *FaultError.
func (r *VmAddressRegion) ReadMemory(addr hostarch.Addr, dst []byte) error {
	return r.copyMemory(addr, dst, hostarch.Read, r.plat.Mem.ReadAt)
}

// WriteMemory copies src to addr in r's address space, resolving page faults
// as the MMU would. Any error is a *FaultError.
func (r *VmAddressRegion) WriteMemory(addr hostarch.Addr, src []byte) error {
	return r.copyMemory(addr, src, hostarch.Write, r.plat.Mem.WriteAt)
}

func (r *VmAddressRegion) copyMemory(addr hostarch.Addr, buf []byte, at hostarch.AccessType, copyPage func(hal.PhysAddr, []byte) error) error {
	end, ok := addr.AddLength(uint64(len(buf)))
	if !ok {
		return &FaultError{Addr: addr, Access: at, Err: zxerr.ErrOutOfRange}
	}
	it := blockrange.BlockIter[uint64]{Begin: uint64(addr), End: uint64(end), BlockSizeLog2: hostarch.PageShift}
	for br, ok := it.Next(); ok; br, ok = it.Next() {
		vaddr := hostarch.Addr(br.Origin())
		paddr, err := r.translate(vaddr, at)
		if err != nil {
			return err
		}
		pos := br.Origin() - uint64(addr)
		if err := copyPage(paddr, buf[pos:pos+br.Len()]); err != nil {
			return &FaultError{Addr: vaddr, Access: at, Err: err}
		}
	}
	return nil
}

// translate returns the physical address backing vaddr for access at,
// faulting the page in if the page table does not permit the access.
func (r *VmAddressRegion) translate(vaddr hostarch.Addr, at hostarch.AccessType) (hal.PhysAddr, error) {
	for i := 0; ; i++ {
		paddr, flags, err := r.pt.Query(vaddr)
		if err == nil && flags.Allows(at) {
			return paddr, nil
		}
		if i == maxFaultRetries {
			return 0, &FaultError{Addr: vaddr, Access: at, Err: zxerr.ErrBadState}
		}
		if err := r.HandlePageFault(vaddr, at); err != nil {
			return 0, err
		}
	}
}
