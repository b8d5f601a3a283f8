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

package hal

import (
	"fmt"
	"strings"

	"github.com/zirconvm/zvm/pkg/hostarch"
)

// CachePolicy is the caching mode of a mapping. It occupies the two low
// bits of MMUFlags.
type CachePolicy uint32

// Cache policies.
const (
	Cached         CachePolicy = 0
	Uncached       CachePolicy = 1
	UncachedDevice CachePolicy = 2
	WriteCombining CachePolicy = 3

	// CachePolicyMask selects the cache policy bits of MMUFlags.
	CachePolicyMask = 3
)

// Valid returns true if p is one of the defined policies.
func (p CachePolicy) Valid() bool {
	return p&^CachePolicyMask == 0
}

// String implements fmt.Stringer.String.
func (p CachePolicy) String() string {
	switch p {
	case Cached:
		return "cached"
	case Uncached:
		return "uncached"
	case UncachedDevice:
		return "uncached-device"
	case WriteCombining:
		return "write-combining"
	default:
		return fmt.Sprintf("CachePolicy(%d)", uint32(p))
	}
}

// ParseCachePolicy returns the CachePolicy with the given String form.
func ParseCachePolicy(s string) (CachePolicy, error) {
	for p := Cached; p <= WriteCombining; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown cache policy %q", s)
}

// MMUFlags are the attributes of a page table entry.
type MMUFlags uint32

// MMU flag bits. The low two bits encode a CachePolicy.
const (
	Cache1 MMUFlags = 1 << iota
	Cache2
	Read
	Write
	Execute
	User

	// RW is read and write access.
	RW = Read | Write

	// RWX is read, write and execute access.
	RWX = Read | Write | Execute

	// PermMask selects the access permission bits.
	PermMask = Read | Write | Execute
)

// FlagsFromAccess returns the permission flags granting at.
func FlagsFromAccess(at hostarch.AccessType) MMUFlags {
	var f MMUFlags
	if at.Read {
		f |= Read
	}
	if at.Write {
		f |= Write
	}
	if at.Execute {
		f |= Execute
	}
	return f
}

// CachePolicy returns the cache policy encoded in f.
func (f MMUFlags) CachePolicy() CachePolicy {
	return CachePolicy(f & CachePolicyMask)
}

// WithCachePolicy returns f with its cache policy bits replaced by p.
func (f MMUFlags) WithCachePolicy(p CachePolicy) MMUFlags {
	return f&^CachePolicyMask | MMUFlags(p&CachePolicyMask)
}

// Permissions returns only the access permission bits of f.
func (f MMUFlags) Permissions() MMUFlags {
	return f & PermMask
}

// AccessType returns the accesses f permits.
func (f MMUFlags) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&Read != 0,
		Write:   f&Write != 0,
		Execute: f&Execute != 0,
	}
}

// Allows returns true if f permits every access in at.
func (f MMUFlags) Allows(at hostarch.AccessType) bool {
	return f.AccessType().SupersetOf(at)
}

// String returns flags in the form "rwxu cached".
func (f MMUFlags) String() string {
	var b strings.Builder
	b.WriteString(f.AccessType().String())
	if f&User != 0 {
		b.WriteByte('u')
	} else {
		b.WriteByte('-')
	}
	b.WriteByte(' ')
	b.WriteString(f.CachePolicy().String())
	return b.String()
}
