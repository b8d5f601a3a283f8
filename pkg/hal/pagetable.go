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
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hostarch"
)

// PageTable translates page-aligned virtual addresses to physical frames.
//
// Implementations must be safe for concurrent use. Map, Unmap and Protect
// take page-aligned addresses and return ErrInvalidArgs otherwise.
type PageTable interface {
	// Map installs a translation for the page at vaddr, replacing any
	// existing one.
	Map(vaddr hostarch.Addr, paddr PhysAddr, flags MMUFlags) error

	// Unmap removes the translation for the page at vaddr. It returns
	// ErrNotFound if there is none.
	Unmap(vaddr hostarch.Addr) error

	// Protect changes the flags of an existing translation. It returns
	// ErrNotFound if there is none.
	Protect(vaddr hostarch.Addr, flags MMUFlags) error

	// Query returns the physical address vaddr translates to and the flags
	// of its page. vaddr need not be aligned. It returns ErrNotFound if
	// there is no translation.
	Query(vaddr hostarch.Addr) (PhysAddr, MMUFlags, error)

	// TableRoot returns the physical address of the root table.
	TableRoot() PhysAddr
}

// MapContiguous maps pages consecutive pages starting at vaddr to the
// physically contiguous frames starting at paddr. On failure the pages
// mapped by this call are unmapped again.
func MapContiguous(pt PageTable, vaddr hostarch.Addr, paddr PhysAddr, pages uint64, flags MMUFlags) error {
	for i := uint64(0); i < pages; i++ {
		off := i << hostarch.PageShift
		if err := pt.Map(vaddr+hostarch.Addr(off), paddr+PhysAddr(off), flags); err != nil {
			UnmapRange(pt, vaddr, i)
			return err
		}
	}
	return nil
}

// MapMany maps consecutive pages starting at vaddr to the given frames. On
// failure the pages mapped by this call are unmapped again.
func MapMany(pt PageTable, vaddr hostarch.Addr, frames []PhysAddr, flags MMUFlags) error {
	for i, paddr := range frames {
		if err := pt.Map(vaddr+hostarch.Addr(uint64(i)<<hostarch.PageShift), paddr, flags); err != nil {
			UnmapRange(pt, vaddr, uint64(i))
			return err
		}
	}
	return nil
}

// UnmapRange unmaps pages consecutive pages starting at vaddr. Pages that
// are not mapped are skipped. It returns the first other error, after
// attempting every page.
func UnmapRange(pt PageTable, vaddr hostarch.Addr, pages uint64) error {
	var firstErr error
	for i := uint64(0); i < pages; i++ {
		err := pt.Unmap(vaddr + hostarch.Addr(i<<hostarch.PageShift))
		if err != nil && err != zxerr.ErrNotFound && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ProtectRange applies flags to every mapped page in pages consecutive
// pages starting at vaddr. Pages that are not mapped are skipped.
func ProtectRange(pt PageTable, vaddr hostarch.Addr, pages uint64, flags MMUFlags) error {
	var firstErr error
	for i := uint64(0); i < pages; i++ {
		err := pt.Protect(vaddr+hostarch.Addr(i<<hostarch.PageShift), flags)
		if err != nil && err != zxerr.ErrNotFound && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
