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

package scenario

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/zirconvm/zvm/pkg/abi/zx"
	"github.com/zirconvm/zvm/pkg/cleanup"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hal/hostmem"
	"github.com/zirconvm/zvm/pkg/hal/pagetable"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/pkg/vm"
)

// rootName names the root region of every scenario.
const rootName = "root"

// ErrUnknownName is returned by Run when a step refers to a name that no
// earlier step defined.
var ErrUnknownName = errors.New("unknown name")

// StepResult is the outcome of one step.
type StepResult struct {
	Index  int    `json:"index"`
	Op     string `json:"op"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	// Addr is the address of a created region or mapping.
	Addr string `json:"addr,omitempty"`

	// Data is the hex encoding of the bytes a read step returned.
	Data string `json:"data,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	Name  string       `json:"name"`
	Steps []StepResult `json:"steps"`

	// Layout is the root region's layout after the last step.
	Layout []vm.LayoutEntry `json:"layout"`

	// Objects describes the named VmObjects alive after the last step, in
	// creation order.
	Objects []vm.Info `json:"objects"`

	// AllocatedBytes and TotalBytes describe the simulated physical
	// memory after the last step.
	AllocatedBytes uint64 `json:"allocated_bytes"`
	TotalBytes     uint64 `json:"total_bytes"`

	// PageTableEntries is the number of live translations after the last
	// step.
	PageTableEntries int `json:"page_table_entries"`
}

// StepError reports a step whose outcome differs from what the scenario
// expects.
type StepError struct {
	Index int
	Op    string
	Want  zx.Status
	Got   zx.Status
	Err   error
}

// Error implements error.Error.
func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %d (%s): got %v want %v: %v", e.Index, e.Op, e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("step %d (%s): got %v want %v", e.Index, e.Op, e.Got, e.Want)
}

// Unwrap implements errors.Unwrap.
func (e *StepError) Unwrap() error {
	return e.Err
}

// dataMismatchError is the error of a read step whose data differs from the
// expected data.
type dataMismatchError struct {
	got, want []byte
}

// Error implements error.Error.
func (e *dataMismatchError) Error() string {
	return fmt.Sprintf("read %q want %q", e.got, e.want)
}

// Status reports mismatched data as an I/O error.
func (e *dataMismatchError) Status() zx.Status {
	return zx.ErrIO
}

// physRange is a run of frames allocated for a physical VmObject.
type physRange struct {
	base  hal.PhysAddr
	pages uint64
}

// runner holds the state of a running scenario.
type runner struct {
	mem  *hostmem.Memory
	plat *hal.Platform
	pt   *pagetable.Table
	root *vm.VmAddressRegion

	// vmos holds one reference on each named object.
	vmos  map[string]*vm.VmObject
	order []string

	regions map[string]*vm.VmAddressRegion
	addrs   map[string]hostarch.Addr
	phys    []physRange
}

// Run executes sc on a fresh platform configured by defaults and sc's
// overrides.
//
// The returned Result is non-nil unless the platform could not be created,
// the context was cancelled or a step referred to an unknown name. Steps
// whose status differs from the expected one do not stop the run; they are
// reported as *StepError values joined in the returned error.
func Run(ctx context.Context, sc *Scenario, defaults Platform) (*Result, error) {
	settings := defaults
	if sc.Platform.MemoryBytes != 0 {
		settings.MemoryBytes = sc.Platform.MemoryBytes
	}
	if sc.Platform.PageTableCapacity != 0 {
		settings.PageTableCapacity = sc.Platform.PageTableCapacity
	}
	mem, err := hostmem.New(hostmem.Options{Size: settings.MemoryBytes})
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() {
		if err := mem.Close(); err != nil {
			log.Warningf("scenario %q: closing memory: %v", sc.Name, err)
		}
	})
	defer cu.Clean()
	plat := &hal.Platform{Frames: mem, Mem: mem}
	pt, err := pagetable.New(plat, pagetable.Options{Capacity: settings.PageTableCapacity})
	if err != nil {
		return nil, fmt.Errorf("creating page table: %w", err)
	}
	cu.Add(pt.Release)

	r := &runner{
		mem:     mem,
		plat:    plat,
		pt:      pt,
		root:    vm.NewRoot(plat, pt),
		vmos:    make(map[string]*vm.VmObject),
		regions: make(map[string]*vm.VmAddressRegion),
		addrs:   make(map[string]hostarch.Addr),
	}
	r.regions[rootName] = r.root
	r.addrs[rootName] = r.root.Addr()
	cu.Add(r.teardown)

	log.Debugf("scenario %q: %d steps, %#x bytes of memory", sc.Name, len(sc.Steps), settings.MemoryBytes)
	res := &Result{Name: sc.Name}
	var failed []error
	for i := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := &sc.Steps[i]
		sr := StepResult{Index: i, Op: s.Op}
		opErr := r.step(s, &sr)
		if errors.Is(opErr, ErrUnknownName) {
			return nil, fmt.Errorf("scenario %q: step %d (%s): %w", sc.Name, i, s.Op, opErr)
		}
		got := zxerr.ToStatus(opErr)
		sr.Status = got.String()
		if opErr != nil {
			sr.Error = opErr.Error()
		}
		want := zx.OK
		if s.Expect != "" {
			want, _ = zx.StatusFromName(s.Expect)
		}
		if got != want {
			log.Infof("scenario %q: step %d (%s) got %v want %v", sc.Name, i, s.Op, got, want)
			failed = append(failed, &StepError{Index: i, Op: s.Op, Want: want, Got: got, Err: opErr})
		}
		res.Steps = append(res.Steps, sr)
	}

	res.Layout = r.root.Layout()
	for _, name := range r.order {
		res.Objects = append(res.Objects, r.vmos[name].Info())
	}
	res.AllocatedBytes = mem.AllocatedBytes()
	res.TotalBytes = mem.Size()
	res.PageTableEntries = pt.Len()
	return res, errors.Join(failed...)
}

// teardown destroys the root region and drops the runner's references.
func (r *runner) teardown() {
	if err := r.root.Destroy(); err != nil {
		log.Warningf("destroying root region: %v", err)
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		r.vmos[r.order[i]].DecRef()
	}
	r.vmos = nil
	r.order = nil
	for _, pr := range r.phys {
		for i := uint64(0); i < pr.pages; i++ {
			r.mem.Dealloc(pr.base + hal.PhysAddr(i<<hostarch.PageShift))
		}
	}
	r.phys = nil
}

func (r *runner) vmo(name string) (*vm.VmObject, error) {
	v, ok := r.vmos[name]
	if !ok {
		return nil, fmt.Errorf("vmo %q: %w", name, ErrUnknownName)
	}
	return v, nil
}

func (r *runner) region(name string) (*vm.VmAddressRegion, error) {
	if name == "" {
		return r.root, nil
	}
	v, ok := r.regions[name]
	if !ok {
		return nil, fmt.Errorf("vmar %q: %w", name, ErrUnknownName)
	}
	return v, nil
}

// addrOf returns the address a step applies to.
func (r *runner) addrOf(s *Step) (hostarch.Addr, error) {
	base := hostarch.Addr(s.Addr)
	if s.At != "" {
		a, ok := r.addrs[s.At]
		if !ok {
			return 0, fmt.Errorf("address %q: %w", s.At, ErrUnknownName)
		}
		base = a
	}
	return base + hostarch.Addr(s.offset()), nil
}

// addVmo names v. It takes ownership of the caller's reference.
func (r *runner) addVmo(name string, v *vm.VmObject) error {
	if _, ok := r.vmos[name]; ok {
		v.DecRef()
		return fmt.Errorf("vmo %q already exists: %w", name, zxerr.ErrAlreadyExists)
	}
	v.SetName(name)
	r.vmos[name] = v
	r.order = append(r.order, name)
	return nil
}

// addAddr names addr, if name is set.
func (r *runner) addAddr(name string, addr hostarch.Addr, sr *StepResult) {
	sr.Addr = addr.String()
	if name != "" {
		r.addrs[name] = addr
	}
}

// step applies s and returns the operation's error.
func (r *runner) step(s *Step, sr *StepResult) error {
	perms, _ := parsePerms(s.Perms)
	switch s.Op {
	case "vmo":
		return r.newVmo(s)

	case "child", "slice":
		parent, err := r.vmo(s.Vmo)
		if err != nil {
			return err
		}
		var c *vm.VmObject
		if s.Op == "child" {
			c, err = parent.CreateChild(s.Resizable, s.offset(), s.Length)
		} else {
			c, err = parent.CreateSlice(s.offset(), s.Length)
		}
		if err != nil {
			return err
		}
		return r.addVmo(s.Name, c)

	case "allocate":
		parent, err := r.region(s.Vmar)
		if err != nil {
			return err
		}
		flags := parent.Flags()
		if s.Perms != "" {
			flags = vmarFlags(perms)
		}
		align := s.Align
		if align == 0 {
			align = hostarch.PageSize
		}
		var sub *vm.VmAddressRegion
		if s.Offset != nil {
			sub, err = parent.AllocateAt(*s.Offset, s.Size, flags, align)
		} else {
			sub, err = parent.Allocate(s.Size, flags, align)
		}
		if err != nil {
			return err
		}
		if s.Name != "" {
			r.regions[s.Name] = sub
		}
		r.addAddr(s.Name, sub.Addr(), sr)
		return nil

	case "map":
		region, err := r.region(s.Vmar)
		if err != nil {
			return err
		}
		v, err := r.vmo(s.Vmo)
		if err != nil {
			return err
		}
		if s.Perms == "" {
			perms = hal.RW
		}
		length := s.Length
		if length == 0 && v.Len() > s.VmoOffset {
			length = v.Len() - s.VmoOffset
		}
		var addr hostarch.Addr
		if s.Offset != nil {
			addr, err = region.MapAt(*s.Offset, v, s.VmoOffset, length, perms)
		} else {
			addr, err = region.Map(v, s.VmoOffset, length, perms)
		}
		if err != nil {
			return err
		}
		r.addAddr(s.Name, addr, sr)
		return nil

	case "unmap", "protect":
		region, err := r.region(s.Vmar)
		if err != nil {
			return err
		}
		addr, err := r.addrOf(s)
		if err != nil {
			return err
		}
		if s.Op == "unmap" {
			return region.Unmap(addr, s.Length)
		}
		return region.Protect(addr, s.Length, perms)

	case "destroy":
		region, err := r.region(s.Vmar)
		if err != nil {
			return err
		}
		return region.Destroy()

	case "write":
		if s.Vmo != "" {
			v, err := r.vmo(s.Vmo)
			if err != nil {
				return err
			}
			return v.Write(s.offset(), []byte(s.Data))
		}
		addr, err := r.addrOf(s)
		if err != nil {
			return err
		}
		return r.root.WriteMemory(addr, []byte(s.Data))

	case "read":
		n := s.Length
		if n == 0 {
			n = uint64(len(s.Data))
		}
		buf := make([]byte, n)
		if s.Vmo != "" {
			v, err := r.vmo(s.Vmo)
			if err != nil {
				return err
			}
			if err := v.Read(s.offset(), buf); err != nil {
				return err
			}
		} else {
			addr, err := r.addrOf(s)
			if err != nil {
				return err
			}
			if err := r.root.ReadMemory(addr, buf); err != nil {
				return err
			}
		}
		sr.Data = hex.EncodeToString(buf)
		if want := []byte(s.Data); len(want) > 0 && !bytes.Equal(buf[:min(len(buf), len(want))], want) {
			return &dataMismatchError{got: buf, want: want}
		}
		return nil

	case "fault":
		region, err := r.region(s.Vmar)
		if err != nil {
			return err
		}
		addr, err := r.addrOf(s)
		if err != nil {
			return err
		}
		at, _ := parseAccess(s.Access)
		return region.HandlePageFault(addr, at)

	case "resize":
		v, err := r.vmo(s.Vmo)
		if err != nil {
			return err
		}
		return v.SetLen(s.Size)

	case "release":
		v, err := r.vmo(s.Vmo)
		if err != nil {
			return err
		}
		delete(r.vmos, s.Vmo)
		r.order = slices.DeleteFunc(r.order, func(name string) bool { return name == s.Vmo })
		v.DecRef()
		return nil

	default:
		panic(fmt.Sprintf("unvalidated op %q", s.Op))
	}
}

// newVmo creates the VmObject described by s.
func (r *runner) newVmo(s *Step) error {
	var (
		v   *vm.VmObject
		err error
	)
	switch s.Kind {
	case "physical":
		paddr := hal.PhysAddr(s.Paddr)
		if paddr == 0 {
			if paddr, err = r.mem.AllocContiguous(s.Pages, hostarch.PageShift); err != nil {
				return err
			}
			r.phys = append(r.phys, physRange{base: paddr, pages: s.Pages})
		}
		if v, err = vm.NewPhysical(r.plat, paddr, s.Pages); err != nil {
			return err
		}
	default:
		if s.Resizable {
			v = vm.NewPagedResizable(r.plat, s.Pages)
		} else {
			v = vm.NewPaged(r.plat, s.Pages)
		}
	}
	if s.Cache != "" {
		p, _ := hal.ParseCachePolicy(s.Cache)
		if err := v.SetCachePolicy(p); err != nil {
			v.DecRef()
			return err
		}
	}
	return r.addVmo(s.Name, v)
}
