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
)

// slice is a window of a paged or physical VmObject. It shares the target's
// pages: writes through either are visible through both.
type slice struct {
	target *VmObject
	offset uint64
	length uint64
}

var _ vmoImpl = (*slice)(nil)

// CreateSlice returns a VmObject viewing [offset, offset+length) of v. The
// slice holds a reference on v. A slice of a slice views the underlying
// object directly.
func (v *VmObject) CreateSlice(offset, length uint64) (*VmObject, error) {
	if !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) {
		return nil, zxerr.ErrInvalidArgs
	}
	if err := checkRange(offset, length, v.Len()); err != nil {
		return nil, err
	}
	target := v
	if s, ok := v.impl.(*slice); ok {
		target = s.target
		offset += s.offset
	}
	target.IncRef()
	return newVmObject(KindSlice, &slice{
		target: target,
		offset: offset,
		length: length,
	}), nil
}

// resolve returns the object that backs mappings of v and the offset in it
// of offset zero in v.
func (v *VmObject) resolve() (*VmObject, uint64) {
	if s, ok := v.impl.(*slice); ok {
		return s.target, s.offset
	}
	return v, 0
}

// size implements vmoImpl.size.
func (s *slice) size() uint64 {
	return s.length
}

// read implements vmoImpl.read.
func (s *slice) read(offset uint64, dst []byte) error {
	if err := checkRange(offset, uint64(len(dst)), s.length); err != nil {
		return err
	}
	return s.target.Read(s.offset+offset, dst)
}

// write implements vmoImpl.write.
func (s *slice) write(offset uint64, src []byte) error {
	if err := checkRange(offset, uint64(len(src)), s.length); err != nil {
		return err
	}
	return s.target.Write(s.offset+offset, src)
}

// setLen implements vmoImpl.setLen.
func (*slice) setLen(uint64) error {
	return zxerr.ErrNotSupported
}

// createChild implements vmoImpl.createChild.
func (s *slice) createChild(resizable bool, offset, length uint64) (*VmObject, error) {
	if offset > s.length {
		return nil, zxerr.ErrOutOfRange
	}
	return s.target.CreateChild(resizable, s.offset+offset, length)
}

// cachePolicy implements vmoImpl.cachePolicy.
func (s *slice) cachePolicy() hal.CachePolicy {
	return s.target.CachePolicy()
}

// setCachePolicy implements vmoImpl.setCachePolicy.
func (*slice) setCachePolicy(hal.CachePolicy) error {
	return zxerr.ErrNotSupported
}

// info implements vmoImpl.info.
func (s *slice) info(i *Info) {
	i.Size = s.length
	i.CachePolicy = s.target.CachePolicy()
}

// release implements vmoImpl.release.
func (s *slice) release() {
	s.target.DecRef()
}
