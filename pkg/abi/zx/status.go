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

// Package zx holds Zircon ABI definitions shared by the kernel object
// packages.
package zx

import "fmt"

// Status is a Zircon status code. Zero is success; errors are negative.
type Status int32

// Status values from zircon/errors.h.
const (
	OK                Status = 0
	ErrInternal       Status = -1
	ErrNotSupported   Status = -2
	ErrNoResources    Status = -3
	ErrNoMemory       Status = -4
	ErrInvalidArgs    Status = -10
	ErrBadHandle      Status = -11
	ErrWrongType      Status = -12
	ErrOutOfRange     Status = -14
	ErrBufferTooSmall Status = -15
	ErrBadState       Status = -20
	ErrTimedOut       Status = -21
	ErrNotFound       Status = -25
	ErrAlreadyExists  Status = -26
	ErrUnavailable    Status = -28
	ErrAccessDenied   Status = -30
	ErrIO             Status = -40
)

var statusNames = map[Status]string{
	OK:                "ZX_OK",
	ErrInternal:       "ZX_ERR_INTERNAL",
	ErrNotSupported:   "ZX_ERR_NOT_SUPPORTED",
	ErrNoResources:    "ZX_ERR_NO_RESOURCES",
	ErrNoMemory:       "ZX_ERR_NO_MEMORY",
	ErrInvalidArgs:    "ZX_ERR_INVALID_ARGS",
	ErrBadHandle:      "ZX_ERR_BAD_HANDLE",
	ErrWrongType:      "ZX_ERR_WRONG_TYPE",
	ErrOutOfRange:     "ZX_ERR_OUT_OF_RANGE",
	ErrBufferTooSmall: "ZX_ERR_BUFFER_TOO_SMALL",
	ErrBadState:       "ZX_ERR_BAD_STATE",
	ErrTimedOut:       "ZX_ERR_TIMED_OUT",
	ErrNotFound:       "ZX_ERR_NOT_FOUND",
	ErrAlreadyExists:  "ZX_ERR_ALREADY_EXISTS",
	ErrUnavailable:    "ZX_ERR_UNAVAILABLE",
	ErrAccessDenied:   "ZX_ERR_ACCESS_DENIED",
	ErrIO:             "ZX_ERR_IO",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ZX_STATUS(%d)", int32(s))
}

// StatusFromName returns the Status whose ZX_ name is name. Both the full
// name ("ZX_ERR_BAD_STATE") and the short form ("BAD_STATE") are accepted.
func StatusFromName(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name || n == "ZX_ERR_"+name || (s == OK && name == "OK") {
			return s, true
		}
	}
	return 0, false
}
