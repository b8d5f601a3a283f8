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

// Package blockrange splits a byte range into the fixed-size blocks it
// touches.
package blockrange

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// BlockRange is the part of a byte range that falls within one block.
//
// Begin and End are offsets relative to the start of the block.
type BlockRange[T constraints.Unsigned] struct {
	Block         T
	Begin         T
	End           T
	BlockSizeLog2 uint
}

// Len returns the number of bytes covered in the block.
func (r BlockRange[T]) Len() T {
	return r.End - r.Begin
}

// IsFull returns true if r covers the whole block.
func (r BlockRange[T]) IsFull() bool {
	return r.Begin == 0 && r.End == T(1)<<r.BlockSizeLog2
}

// Origin returns the absolute offset of r.Begin.
func (r BlockRange[T]) Origin() T {
	return r.Block<<r.BlockSizeLog2 + r.Begin
}

// String implements fmt.Stringer.String.
func (r BlockRange[T]) String() string {
	return fmt.Sprintf("block %d [%#x, %#x)", r.Block, r.Begin, r.End)
}

// BlockIter iterates over the blocks of [Begin, End).
type BlockIter[T constraints.Unsigned] struct {
	Begin         T
	End           T
	BlockSizeLog2 uint
}

// Next returns the next BlockRange. ok is false once the iterator is
// exhausted.
func (it *BlockIter[T]) Next() (r BlockRange[T], ok bool) {
	if it.Begin >= it.End {
		return BlockRange[T]{}, false
	}
	blockSize := T(1) << it.BlockSizeLog2
	block := it.Begin >> it.BlockSizeLog2
	begin := it.Begin & (blockSize - 1)
	end := blockSize
	if it.End>>it.BlockSizeLog2 == block {
		end = it.End & (blockSize - 1)
	}
	it.Begin = (block + 1) << it.BlockSizeLog2
	if it.Begin == 0 {
		// Wrapped at the top of T; nothing can follow this block.
		it.Begin = it.End
	}
	return BlockRange[T]{
		Block:         block,
		Begin:         begin,
		End:           end,
		BlockSizeLog2: it.BlockSizeLog2,
	}, true
}
