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

// Package refs defines an atomic reference count with optional leak
// checking.
package refs

import (
	"fmt"
	"sync/atomic"
)

// Refs keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero.
type Refs struct {
	refCount atomic.Int64

	// owner is the object whose lifetime is tracked. It is registered for
	// leak checking by InitRefs and unregistered when the count drops to
	// zero.
	owner CheckedObject
}

// InitRefs initializes r with one reference on behalf of owner and, if
// enabled, registers owner for leak checking.
func (r *Refs) InitRefs(owner CheckedObject) {
	r.refCount.Store(1)
	r.owner = owner
	Register(owner)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments the reference count. The count must be positive.
func (r *Refs) IncRef() {
	v := r.refCount.Add(1)
	if r.owner != nil && r.owner.LogRefs() {
		LogIncRef(r.owner, v)
	}
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.refType()))
	}
}

// DecRef drops a reference and calls destroy if it was the last one.
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	if r.owner != nil && r.owner.LogRefs() {
		LogDecRef(r.owner, v)
	}
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.refType()))

	case v == 0:
		if r.owner != nil {
			Unregister(r.owner)
		}
		if destroy != nil {
			destroy()
		}
	}
}

func (r *Refs) refType() string {
	if r.owner == nil {
		return "<unowned>"
	}
	return r.owner.RefType()
}
