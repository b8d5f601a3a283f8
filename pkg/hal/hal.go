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

// Package hal defines the hardware abstraction that the virtual memory
// subsystem runs on: physical frames, physical memory access and page
// tables.
//
// Implementations are injected through a Platform value. Nothing in this
// package keeps global state.
package hal

import (
	"fmt"

	"github.com/zirconvm/zvm/pkg/hostarch"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// IsPageAligned returns true if p is a multiple of the page size.
func (p PhysAddr) IsPageAligned() bool {
	return hostarch.IsPageAligned(uint64(p))
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Frame is the index of a physical page frame.
type Frame uint64

// Address returns the physical address of the first byte of f.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << hostarch.PageShift)
}

// FrameFromAddress returns the Frame containing paddr.
func FrameFromAddress(paddr PhysAddr) Frame {
	return Frame(paddr >> hostarch.PageShift)
}

// FrameAllocator hands out physical page frames.
//
// All methods are safe for concurrent use.
type FrameAllocator interface {
	// Alloc returns a zeroed frame, or ErrNoResources if none is free.
	Alloc() (PhysAddr, error)

	// AllocContiguous returns the first of count physically contiguous
	// zeroed frames whose address is aligned to 1<<alignLog2 bytes.
	AllocContiguous(count uint64, alignLog2 uint) (PhysAddr, error)

	// Dealloc returns a frame obtained from Alloc or AllocContiguous.
	Dealloc(paddr PhysAddr)

	// ZeroFrame returns the address of a frame that always reads as zero.
	// It is never handed out by Alloc and must never be written.
	ZeroFrame() PhysAddr
}

// PhysMem gives byte access to physical memory.
//
// All methods are safe for concurrent use. Accesses to the same bytes must
// be serialized by the caller.
type PhysMem interface {
	// ReadAt copies len(dst) bytes starting at paddr into dst.
	ReadAt(paddr PhysAddr, dst []byte) error

	// WriteAt copies src into physical memory starting at paddr.
	WriteAt(paddr PhysAddr, src []byte) error

	// CopyFrame copies one whole page frame from src to dst.
	CopyFrame(dst, src PhysAddr) error

	// Zero zeroes length bytes starting at paddr.
	Zero(paddr PhysAddr, length uint64) error

	// Contains returns true if [paddr, paddr+length) is backed.
	Contains(paddr PhysAddr, length uint64) bool
}

// Platform bundles the capabilities the virtual memory subsystem needs. It
// is created once and passed explicitly to every constructor.
type Platform struct {
	Frames FrameAllocator
	Mem    PhysMem
}
