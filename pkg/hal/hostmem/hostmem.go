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

// Package hostmem simulates physical memory with an anonymous host mapping.
//
// The arena is carved into page frames. The first frame is the shared zero
// frame; the rest are handed out by Alloc and AllocContiguous.
package hostmem

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/zirconvm/zvm/pkg/bitmap"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/pkg/sync"
)

// DefaultBase is the physical address of the first frame when Options.Base
// is zero.
const DefaultBase hal.PhysAddr = 0x8000_0000

// Options configures a Memory.
type Options struct {
	// Size is the size of simulated RAM in bytes, including the zero
	// frame. It is rounded up to a whole number of pages.
	Size uint64

	// Base is the physical address of the first frame. It must be
	// page-aligned. Zero selects DefaultBase.
	Base hal.PhysAddr
}

// Memory implements hal.FrameAllocator and hal.PhysMem.
type Memory struct {
	base   hal.PhysAddr
	frames uint64

	// arena is the host mapping backing all frames. It is immutable after
	// New until Close.
	arena []byte

	mu sync.Mutex

	// allocated has a bit set for every frame in use, including the zero
	// frame. Protected by mu.
	allocated bitmap.Bitmap

	// hint is where the next single-frame search starts. Protected by mu.
	hint uint32
}

var _ hal.FrameAllocator = (*Memory)(nil)
var _ hal.PhysMem = (*Memory)(nil)

// New maps a fresh arena as described by opts.
func New(opts Options) (*Memory, error) {
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if !base.IsPageAligned() {
		return nil, fmt.Errorf("physical base %v is not page-aligned: %w", base, zxerr.ErrInvalidArgs)
	}
	size, ok := hostarch.PageRoundUp(opts.Size)
	if !ok || size < 2*hostarch.PageSize {
		return nil, fmt.Errorf("memory size %#x must hold at least two frames: %w", opts.Size, zxerr.ErrInvalidArgs)
	}
	frames := size >> hostarch.PageShift
	if frames > math.MaxUint32 || uint64(base)+size < uint64(base) {
		return nil, fmt.Errorf("memory size %#x at %v is too large: %w", opts.Size, base, zxerr.ErrInvalidArgs)
	}
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of simulated memory: %v", size, err)
	}
	m := &Memory{
		base:      base,
		frames:    frames,
		arena:     arena,
		allocated: bitmap.New(uint32(frames)),
		hint:      1,
	}
	// Frame 0 is the zero frame.
	m.allocated.Add(0)
	log.Debugf("hostmem: %d frames at [%v, %#x)", frames, base, uint64(base)+size)
	return m, nil
}

// Close unmaps the arena. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}

// Base returns the physical address of the first frame.
func (m *Memory) Base() hal.PhysAddr {
	return m.base
}

// Size returns the size of the arena in bytes.
func (m *Memory) Size() uint64 {
	return m.frames << hostarch.PageShift
}

// AllocatedBytes returns the number of bytes in frames currently handed
// out. The zero frame is not counted.
func (m *Memory) AllocatedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(m.allocated.GetNumOnes()-1) << hostarch.PageShift
}

// FreeBytes returns the number of bytes in frames available for allocation.
func (m *Memory) FreeBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.frames - uint64(m.allocated.GetNumOnes())) << hostarch.PageShift
}

// ZeroFrame implements hal.FrameAllocator.ZeroFrame.
func (m *Memory) ZeroFrame() hal.PhysAddr {
	return m.base
}

// Alloc implements hal.FrameAllocator.Alloc.
func (m *Memory) Alloc() (hal.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.allocated.FirstZero(m.hint)
	if !ok {
		idx, ok = m.allocated.FirstZero(1)
	}
	if !ok {
		return 0, zxerr.ErrNoResources
	}
	m.allocated.Add(idx)
	m.hint = idx + 1
	return m.frameAddr(idx), nil
}

// AllocContiguous implements hal.FrameAllocator.AllocContiguous.
func (m *Memory) AllocContiguous(count uint64, alignLog2 uint) (hal.PhysAddr, error) {
	if count == 0 || count >= m.frames || alignLog2 >= 64 {
		return 0, zxerr.ErrInvalidArgs
	}
	if alignLog2 < hostarch.PageShift {
		alignLog2 = hostarch.PageShift
	}
	// Alignment is of the physical address, so account for base.
	frameAlignLog2 := alignLog2 - hostarch.PageShift
	align := uint64(1) << alignLog2
	if uint64(m.base)%align != 0 {
		return 0, fmt.Errorf("base %v cannot satisfy alignment %#x: %w", m.base, align, zxerr.ErrNotSupported)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.allocated.FirstZeroRun(1, uint32(count), frameAlignLog2)
	if !ok {
		return 0, zxerr.ErrNoResources
	}
	m.allocated.AddRange(idx, idx+uint32(count))
	return m.frameAddr(idx), nil
}

// Dealloc implements hal.FrameAllocator.Dealloc.
//
// It panics if paddr is not an allocated frame.
func (m *Memory) Dealloc(paddr hal.PhysAddr) {
	idx, ok := m.frameIndex(paddr)
	if !ok || idx == 0 {
		panic(fmt.Sprintf("hostmem: dealloc of invalid frame %v", paddr))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allocated.Contains(idx) {
		panic(fmt.Sprintf("hostmem: double free of frame %v", paddr))
	}
	off := uint64(idx) << hostarch.PageShift
	page := m.arena[off : off+hostarch.PageSize]
	// Drop the host page so the frame reads as zero when reused.
	if err := unix.Madvise(page, unix.MADV_DONTNEED); err != nil {
		clear(page)
	}
	m.allocated.Remove(idx)
}

// Contains implements hal.PhysMem.Contains.
func (m *Memory) Contains(paddr hal.PhysAddr, length uint64) bool {
	_, ok := m.offset(paddr, length)
	return ok
}

// ReadAt implements hal.PhysMem.ReadAt.
func (m *Memory) ReadAt(paddr hal.PhysAddr, dst []byte) error {
	off, ok := m.offset(paddr, uint64(len(dst)))
	if !ok {
		return fmt.Errorf("read of %d bytes at %v: %w", len(dst), paddr, zxerr.ErrOutOfRange)
	}
	copy(dst, m.arena[off:])
	return nil
}

// WriteAt implements hal.PhysMem.WriteAt.
func (m *Memory) WriteAt(paddr hal.PhysAddr, src []byte) error {
	off, ok := m.offset(paddr, uint64(len(src)))
	if !ok {
		return fmt.Errorf("write of %d bytes at %v: %w", len(src), paddr, zxerr.ErrOutOfRange)
	}
	if off < hostarch.PageSize && len(src) > 0 {
		panic("hostmem: write to the zero frame")
	}
	copy(m.arena[off:], src)
	return nil
}

// CopyFrame implements hal.PhysMem.CopyFrame.
func (m *Memory) CopyFrame(dst, src hal.PhysAddr) error {
	soff, ok := m.offset(src, hostarch.PageSize)
	if !ok || !src.IsPageAligned() {
		return fmt.Errorf("copy from frame %v: %w", src, zxerr.ErrOutOfRange)
	}
	doff, ok := m.offset(dst, hostarch.PageSize)
	if !ok || !dst.IsPageAligned() || doff == 0 {
		return fmt.Errorf("copy to frame %v: %w", dst, zxerr.ErrOutOfRange)
	}
	copy(m.arena[doff:doff+hostarch.PageSize], m.arena[soff:soff+hostarch.PageSize])
	return nil
}

// Zero implements hal.PhysMem.Zero.
func (m *Memory) Zero(paddr hal.PhysAddr, length uint64) error {
	off, ok := m.offset(paddr, length)
	if !ok {
		return fmt.Errorf("zero of %d bytes at %v: %w", length, paddr, zxerr.ErrOutOfRange)
	}
	if off < hostarch.PageSize && length > 0 {
		panic("hostmem: write to the zero frame")
	}
	clear(m.arena[off : off+length])
	return nil
}

func (m *Memory) frameAddr(idx uint32) hal.PhysAddr {
	return m.base + hal.PhysAddr(uint64(idx)<<hostarch.PageShift)
}

func (m *Memory) frameIndex(paddr hal.PhysAddr) (uint32, bool) {
	if !paddr.IsPageAligned() {
		return 0, false
	}
	off, ok := m.offset(paddr, hostarch.PageSize)
	if !ok {
		return 0, false
	}
	return uint32(off >> hostarch.PageShift), true
}

// offset returns the arena offset of [paddr, paddr+length).
func (m *Memory) offset(paddr hal.PhysAddr, length uint64) (uint64, bool) {
	if paddr < m.base {
		return 0, false
	}
	off := uint64(paddr - m.base)
	end := off + length
	if end < off || end > uint64(len(m.arena)) {
		return 0, false
	}
	return off, true
}
