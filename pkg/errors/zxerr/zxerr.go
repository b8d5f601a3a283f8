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

// Package zxerr contains Zircon status codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to zx.Status constants.
package zxerr

import (
	"github.com/zirconvm/zvm/pkg/abi/zx"
	"github.com/zirconvm/zvm/pkg/errors"
)

// The following errors are semantically identical to the zx.Status of the
// same name. They are *errors.Error values and must be compared by identity.
var (
	ErrInternal       = errors.New(zx.ErrInternal, "internal error")
	ErrNotSupported   = errors.New(zx.ErrNotSupported, "operation not supported")
	ErrNoResources    = errors.New(zx.ErrNoResources, "no resources")
	ErrNoMemory       = errors.New(zx.ErrNoMemory, "no memory")
	ErrInvalidArgs    = errors.New(zx.ErrInvalidArgs, "invalid arguments")
	ErrOutOfRange     = errors.New(zx.ErrOutOfRange, "out of range")
	ErrBufferTooSmall = errors.New(zx.ErrBufferTooSmall, "buffer too small")
	ErrBadState       = errors.New(zx.ErrBadState, "bad state")
	ErrNotFound       = errors.New(zx.ErrNotFound, "not found")
	ErrAlreadyExists  = errors.New(zx.ErrAlreadyExists, "already exists")
	ErrUnavailable    = errors.New(zx.ErrUnavailable, "unavailable")
	ErrAccessDenied   = errors.New(zx.ErrAccessDenied, "access denied")
)

// statusError is implemented by errors that carry a zx.Status, including
// wrappers such as vm.FaultError.
type statusError interface {
	Status() zx.Status
}

// ToStatus returns the zx.Status for err, looking through wrapped errors. A
// nil error is zx.OK and errors that carry no status are ErrInternal.
func ToStatus(err error) zx.Status {
	if err == nil {
		return zx.OK
	}
	for err != nil {
		if se, ok := err.(statusError); ok {
			return se.Status()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return zx.ErrInternal
}

// Equals compares a zxerr to a given error.
func Equals(zxErr *errors.Error, err error) bool {
	if err == nil {
		return zxErr == nil
	}
	if zxErr == nil {
		return false
	}
	return ToStatus(err) == zxErr.Status()
}
