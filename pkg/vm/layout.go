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

	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
)

// LayoutEntry describes a sub-region or mapping in a Layout.
type LayoutEntry struct {
	// Depth is the nesting level below the region Layout was called on.
	Depth int `json:"depth"`

	Range hostarch.AddrRange `json:"-"`
	Start string             `json:"start"`
	End   string             `json:"end"`

	// Kind is "vmar" or "mapping".
	Kind string `json:"kind"`

	// Perms is the region's VmarFlags or the mapping's permissions.
	Perms string `json:"perms"`

	Flags     hal.MMUFlags `json:"-"`
	VmoID     uint64       `json:"vmo_id,omitempty"`
	VmoName   string       `json:"vmo_name,omitempty"`
	VmoOffset uint64       `json:"vmo_offset,omitempty"`
}

// String implements fmt.Stringer.String.
func (e LayoutEntry) String() string {
	if e.Kind == "vmar" {
		return fmt.Sprintf("%*s%v vmar %s", 2*e.Depth, "", e.Range, e.Perms)
	}
	return fmt.Sprintf("%*s%v %s vmo %d+%#x", 2*e.Depth, "", e.Range, e.Perms, e.VmoID, e.VmoOffset)
}

// Layout returns the sub-regions and mappings of r, depth first in address
// order.
func (r *VmAddressRegion) Layout() []LayoutEntry {
	var es []LayoutEntry
	r.layout(0, &es)
	return es
}

func (r *VmAddressRegion) layout(depth int, es *[]LayoutEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children.Ascend(func(c child) bool {
		ar := c.addrRange()
		e := LayoutEntry{
			Depth: depth,
			Range: ar,
			Start: ar.Start.String(),
			End:   ar.End.String(),
		}
		if c.region != nil {
			e.Kind = "vmar"
			e.Perms = c.region.flags.String()
			*es = append(*es, e)
			c.region.layout(depth+1, es)
			return true
		}
		m := c.mapping
		e.Kind = "mapping"
		e.Flags = m.flags
		e.Perms = m.flags.AccessType().String()
		e.VmoID = m.obj.ID()
		e.VmoName = m.obj.Name()
		e.VmoOffset = m.vmoOffset
		*es = append(*es, e)
		return true
	})
}
