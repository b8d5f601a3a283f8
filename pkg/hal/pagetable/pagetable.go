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

// Package pagetable implements hal.PageTable in software.
//
// Entries are kept in a B-tree ordered by virtual address, which gives
// ordered dumps and cheap range scans for diagnostics.
package pagetable

import (
	"fmt"

	"github.com/google/btree"

	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/sync"
)

// degree is the B-tree degree used for entries.
const degree = 16

// Entry is one page translation.
type Entry struct {
	Addr     hostarch.Addr
	PhysAddr hal.PhysAddr
	Flags    hal.MMUFlags
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v -> %v %v", e.Addr, e.PhysAddr, e.Flags)
}

func entryLess(a, b Entry) bool {
	return a.Addr < b.Addr
}

// Options configures a Table.
type Options struct {
	// Capacity, if non-zero, is the maximum number of entries. Map fails
	// with ErrNoResources once it is reached.
	Capacity int
}

// Table is a software page table.
type Table struct {
	frames   hal.FrameAllocator
	root     hal.PhysAddr
	capacity int

	mu sync.Mutex

	// entries holds translations keyed by page address. Protected by mu.
	entries *btree.BTreeG[Entry]

	// released is set by Release. Protected by mu.
	released bool
}

var _ hal.PageTable = (*Table)(nil)

// New returns an empty Table whose root frame is allocated from p.
func New(p *hal.Platform, opts Options) (*Table, error) {
	if opts.Capacity < 0 {
		return nil, zxerr.ErrInvalidArgs
	}
	root, err := p.Frames.Alloc()
	if err != nil {
		return nil, err
	}
	return &Table{
		frames:   p.Frames,
		root:     root,
		capacity: opts.Capacity,
		entries:  btree.NewG[Entry](degree, entryLess),
	}, nil
}

// Release frees the root frame and drops every entry. Further calls fail
// with ErrBadState.
func (t *Table) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	t.entries.Clear(false)
	t.frames.Dealloc(t.root)
}

// TableRoot implements hal.PageTable.TableRoot.
func (t *Table) TableRoot() hal.PhysAddr {
	return t.root
}

// Map implements hal.PageTable.Map.
func (t *Table) Map(vaddr hostarch.Addr, paddr hal.PhysAddr, flags hal.MMUFlags) error {
	if !vaddr.IsPageAligned() || !paddr.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return zxerr.ErrBadState
	}
	e := Entry{Addr: vaddr, PhysAddr: paddr, Flags: flags}
	if t.capacity > 0 && t.entries.Len() >= t.capacity && !t.entries.Has(e) {
		return zxerr.ErrNoResources
	}
	t.entries.ReplaceOrInsert(e)
	return nil
}

// Unmap implements hal.PageTable.Unmap.
func (t *Table) Unmap(vaddr hostarch.Addr) error {
	if !vaddr.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return zxerr.ErrBadState
	}
	if _, ok := t.entries.Delete(Entry{Addr: vaddr}); !ok {
		return zxerr.ErrNotFound
	}
	return nil
}

// Protect implements hal.PageTable.Protect.
func (t *Table) Protect(vaddr hostarch.Addr, flags hal.MMUFlags) error {
	if !vaddr.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return zxerr.ErrBadState
	}
	e, ok := t.entries.Get(Entry{Addr: vaddr})
	if !ok {
		return zxerr.ErrNotFound
	}
	e.Flags = flags
	t.entries.ReplaceOrInsert(e)
	return nil
}

// Query implements hal.PageTable.Query.
func (t *Table) Query(vaddr hostarch.Addr) (hal.PhysAddr, hal.MMUFlags, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return 0, 0, zxerr.ErrBadState
	}
	e, ok := t.entries.Get(Entry{Addr: vaddr.RoundDown()})
	if !ok {
		return 0, 0, zxerr.ErrNotFound
	}
	return e.PhysAddr + hal.PhysAddr(vaddr.PageOffset()), e.Flags, nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// Entries returns the entries within ar in address order.
func (t *Table) Entries(ar hostarch.AddrRange) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var es []Entry
	t.entries.AscendRange(Entry{Addr: ar.Start.RoundDown()}, Entry{Addr: ar.End}, func(e Entry) bool {
		es = append(es, e)
		return true
	})
	return es
}
