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
	"fmt"
	"time"

	"github.com/zirconvm/zvm/pkg/abi/zx"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/pkg/sync"
)

// FaultError is a page fault that could not be resolved. The faulting task
// cannot continue.
type FaultError struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the access that faulted.
	Access hostarch.AccessType

	// Err is the cause: ErrNotFound if Addr is not mapped, ErrAccessDenied
	// if the mapping does not permit Access, or the error resolving the
	// page.
	Err error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("fatal %v page fault at %v: %v", e.Access, e.Addr, e.Err)
}

// Unwrap returns the cause of the fault.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// Status returns the status of the cause.
func (e *FaultError) Status() zx.Status {
	return zxerr.ToStatus(e.Err)
}

var (
	faultLogOnce sync.Once
	faultLog     log.Logger
)

// faultLogger returns the logger for fatal faults. A task faulting in a loop
// must not flood the log.
func faultLogger() log.Logger {
	faultLogOnce.Do(func() {
		faultLog = log.BasicRateLimitedLogger(time.Second)
	})
	return faultLog
}

// HandlePageFault resolves a fault at addr for access at within r and
// installs the resulting page table entry. A nil return means the access
// can be retried. Any error is a *FaultError.
func (r *VmAddressRegion) HandlePageFault(addr hostarch.Addr, at hostarch.AccessType) error {
	stats.pageFaults.Add(1)
	if err := r.handlePageFault(addr, at); err != nil {
		stats.fatalFaults.Add(1)
		faultLogger().Warningf("vm: fatal %v page fault at %v: %v", at, addr, err)
		return &FaultError{Addr: addr, Access: at, Err: err}
	}
	return nil
}

func (r *VmAddressRegion) handlePageFault(addr hostarch.Addr, at hostarch.AccessType) error {
	for {
		m, err := r.findFaultMapping(addr)
		if err != nil {
			return err
		}
		if !m.flags.Allows(at) {
			m.obj.DecRef()
			return zxerr.ErrAccessDenied
		}
		err = m.backing.fault(m, addr, at.Write)
		m.obj.DecRef()
		if err == zxerr.ErrBadState && m.dead.Load() {
			// m was replaced by Unmap or Protect; look it up again.
			continue
		}
		return err
	}
}

// findFaultMapping descends from r to the mapping containing addr, holding
// at most one region lock at a time. It returns with a reference held on the
// mapping's VmObject, which keeps it alive if the mapping is removed while
// the fault is resolved.
func (r *VmAddressRegion) findFaultMapping(addr hostarch.Addr) (*Mapping, error) {
	cur := r
	cur.mu.Lock()
	for {
		if cur.dead.Load() {
			cur.mu.Unlock()
			return nil, zxerr.ErrBadState
		}
		c, ok := cur.lookupLocked(addr)
		if !ok {
			cur.mu.Unlock()
			return nil, zxerr.ErrNotFound
		}
		if c.mapping != nil {
			c.mapping.obj.IncRef()
			cur.mu.Unlock()
			return c.mapping, nil
		}
		c.region.mu.Lock()
		cur.mu.Unlock()
		cur = c.region
	}
}
