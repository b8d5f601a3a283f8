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

// Package bitmap provides a fixed-size bitmap used to track allocated
// physical frames.
package bitmap

import (
	"math/bits"
)

// Bitmap is a fixed-size set of bit indices in [0, Size()).
//
// Bitmap is not synchronized; callers serialize access.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits.
	size uint32

	// bitBlock holds the bits. Each element holds 64 entries.
	bitBlock []uint64
}

// New creates an empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (uint64(size)+63)/64),
	}
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns true if bit i is set. Bits beyond Size are never set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i. It panics if i is out of range.
func (b *Bitmap) Remove(i uint32) {
	b.checkIndex(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

func (b *Bitmap) checkIndex(i uint32) {
	if i >= b.size {
		panic("bitmap index out of range")
	}
}

// AddRange sets the bits in [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// RemoveRange clears the bits in [begin, end).
func (b *Bitmap) RemoveRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// FirstZero returns the first unset bit in [start, Size()). ok is false if
// there is none.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w) + i*64)
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit in [start, Size()). ok is false if
// there is none.
func (b *Bitmap) FirstOne(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] &^ ((1 << nbit) - 1)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstZeroRun returns the first index at or after start that is a
// multiple of 1<<alignLog2 and begins count consecutive unset bits.
func (b *Bitmap) FirstZeroRun(start, count uint32, alignLog2 uint) (bit uint32, ok bool) {
	if count == 0 {
		return 0, false
	}
	align := uint64(1) << alignLog2
	cur := uint64(start)
	for {
		cur = (cur + align - 1) &^ (align - 1)
		if cur+uint64(count) > uint64(b.size) {
			return 0, false
		}
		// Advance to the next free bit, then check the run from there.
		z, ok := b.FirstZero(uint32(cur))
		if !ok {
			return 0, false
		}
		if uint64(z) != cur {
			cur = uint64(z)
			continue
		}
		one, found := b.FirstOne(uint32(cur))
		if !found || uint64(one) >= cur+uint64(count) {
			return uint32(cur), true
		}
		cur = uint64(one) + 1
	}
}

// ToSlice returns the set bits in increasing order. For example, a bitmap
// of [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, uint32(base+bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}
