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
	"errors"
	"fmt"

	"github.com/zirconvm/zvm/pkg/blockrange"
	"github.com/zirconvm/zvm/pkg/errors/zxerr"
	"github.com/zirconvm/zvm/pkg/hal"
	"github.com/zirconvm/zvm/pkg/hostarch"
	"github.com/zirconvm/zvm/pkg/log"
	"github.com/zirconvm/zvm/pkg/sync"
)

// hierarchy is shared by every node of one copy-on-write clone tree.
//
// mu is held for writing while the shape of the tree changes (clone, merge,
// resize, release) or a page is forked out of a hidden node, and for reading
// by everything else. Hidden nodes are immutable while mu is held for
// reading, so the ancestor walk needs no further locks.
type hierarchy struct {
	mu   sync.RWMutex
	plat *hal.Platform
}

// lock locks mu for writing if exclusive is set and for reading otherwise.
func (h *hierarchy) lock(exclusive bool) {
	if exclusive {
		h.mu.Lock()
	} else {
		h.mu.RLock()
	}
}

// unlock undoes lock(exclusive).
func (h *hierarchy) unlock(exclusive bool) {
	if exclusive {
		h.mu.Unlock()
	} else {
		h.mu.RUnlock()
	}
}

// errNeedExclusive is returned by operations that must be retried with the
// hierarchy locked for writing.
var errNeedExclusive = errors.New("vm: hierarchy must be locked for writing")

// pagedNode is a node of a clone tree. Leaf nodes back a VmObject; hidden
// nodes hold pages shared by the two subtrees below them.
//
// Creating a child of leaf P inserts a hidden node H in P's place: H takes
// P's committed pages and position, and P and the new child C become H's
// left and right children. Both read through H, so neither sees the other's
// later writes. When one child of H goes away, H is merged into the other.
type pagedNode struct {
	h *hierarchy

	// obj is the VmObject for leaf nodes and nil for hidden nodes.
	obj *VmObject

	// mu protects pages and mappings of leaf nodes together with h.mu
	// held for reading. Holding h.mu for writing is sufficient.
	mu sync.Mutex

	// The following fields are protected by h.mu.

	// parent is the hidden node this node reads through, if any.
	parent *pagedNode

	// parentOffset is the offset in parent of offset zero in this node.
	parentOffset uint64

	// parentLimit bounds the part of this node that reads through to
	// parent: [0, parentLimit). Beyond it, uncommitted pages read as zero.
	parentLimit uint64

	// left and right are the children of a hidden node. left is the
	// original owner of the pages.
	left, right *pagedNode

	length    uint64
	resizable bool
	isClone   bool
	policy    hal.CachePolicy
	released  bool

	// pages maps page indices to privately committed frames.
	pages map[uint64]hal.PhysAddr

	// mappings is the registry of mappings of a leaf node.
	mappings mappingSet
}

var _ vmoImpl = (*pagedNode)(nil)
var _ mappable = (*pagedNode)(nil)

// MaxPages is the largest page count of a paged VmObject.
const MaxPages = ^uint64(0) >> hostarch.PageShift

// NewPaged returns a paged VmObject of pages zero-filled pages. No memory is
// committed until the object is written.
//
// Preconditions: pages <= MaxPages.
func NewPaged(p *hal.Platform, pages uint64) *VmObject {
	return newPaged(p, pages, false)
}

// NewPagedResizable is like NewPaged but the object can be resized with
// SetLen.
func NewPagedResizable(p *hal.Platform, pages uint64) *VmObject {
	return newPaged(p, pages, true)
}

func newPaged(p *hal.Platform, pages uint64, resizable bool) *VmObject {
	if pages > MaxPages {
		panic(fmt.Sprintf("vm: paged VmObject of %d pages overflows the address space", pages))
	}
	length := pages << hostarch.PageShift
	n := &pagedNode{
		h:         &hierarchy{plat: p},
		length:    length,
		resizable: resizable,
		policy:    hal.Cached,
		pages:     make(map[uint64]hal.PhysAddr),
		mappings:  make(mappingSet),
	}
	n.obj = newVmObject(KindPaged, n)
	return n.obj
}

func (n *pagedNode) hidden() bool {
	return n.obj == nil
}

func (n *pagedNode) frames() hal.FrameAllocator {
	return n.h.plat.Frames
}

// size implements vmoImpl.size.
func (n *pagedNode) size() uint64 {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	return n.length
}

// lookupLocked returns the frame holding page idx and whether it is
// privately committed to n. Uncommitted content not visible from any
// ancestor is the zero frame.
//
// Preconditions: h.mu is held; n.mu is held or h.mu is held for writing.
func (n *pagedNode) lookupLocked(idx uint64) (hal.PhysAddr, bool) {
	if f, ok := n.pages[idx]; ok {
		return f, true
	}
	off := idx << hostarch.PageShift
	for cur := n; cur.parent != nil; {
		if off >= cur.parentLimit {
			break
		}
		off += cur.parentOffset
		cur = cur.parent
		if f, ok := cur.pages[off>>hostarch.PageShift]; ok {
			return f, false
		}
	}
	return n.frames().ZeroFrame(), false
}

// findLocked returns the path from n to the hidden ancestor holding page idx
// of n, and the offset of the page in that ancestor. ok is false if no
// ancestor visible from n holds the page.
//
// Preconditions: as for lookupLocked.
func (n *pagedNode) findLocked(idx uint64) (path []*pagedNode, off uint64, ok bool) {
	off = idx << hostarch.PageShift
	path = []*pagedNode{n}
	for cur := n; cur.parent != nil; {
		if off >= cur.parentLimit {
			break
		}
		off += cur.parentOffset
		cur = cur.parent
		path = append(path, cur)
		if _, ok := cur.pages[off>>hostarch.PageShift]; ok {
			return path, off, true
		}
	}
	return nil, 0, false
}

// soleViewerLocked returns true if no leaf other than path[0] can see the
// page at offset off of path[len(path)-1].
//
// Preconditions: h.mu is held for writing.
func soleViewerLocked(path []*pagedNode, off uint64) bool {
	for i := len(path) - 2; i >= 0; i-- {
		child, parent := path[i], path[i+1]
		other := parent.left
		if other == child {
			other = parent.right
		}
		if parent.sees(other, off) {
			return false
		}
		off -= child.parentOffset
	}
	return true
}

// commitLocked returns the privately committed frame for page idx, forking
// it from its current content if needed. Every mapping of the page is
// updated to the new frame.
//
// Content held by a hidden ancestor is only forked with h.mu held for
// writing, as indicated by exclusive; otherwise errNeedExclusive is
// returned. If no other leaf can see that content, its frame is moved to n
// rather than copied.
//
// Preconditions: as for lookupLocked.
func (n *pagedNode) commitLocked(idx uint64, exclusive bool) (hal.PhysAddr, error) {
	if f, ok := n.pages[idx]; ok {
		return f, nil
	}
	src := n.frames().ZeroFrame()
	if path, off, ok := n.findLocked(idx); ok {
		if !exclusive {
			return 0, errNeedExclusive
		}
		holder := path[len(path)-1]
		src = holder.pages[off>>hostarch.PageShift]
		if soleViewerLocked(path, off) {
			delete(holder.pages, off>>hostarch.PageShift)
			n.installLocked(idx, src)
			stats.cowMoves.Add(1)
			return src, nil
		}
	}
	f, err := n.frames().Alloc()
	if err != nil {
		return 0, err
	}
	if src != n.frames().ZeroFrame() {
		if err := n.h.plat.Mem.CopyFrame(f, src); err != nil {
			n.frames().Dealloc(f)
			return 0, err
		}
		stats.cowCopies.Add(1)
	} else {
		stats.zeroFills.Add(1)
	}
	stats.framesCommitted.Add(1)
	n.installLocked(idx, f)
	return f, nil
}

// installLocked commits f as page idx of n and points every mapping of the
// page at it.
func (n *pagedNode) installLocked(idx uint64, f hal.PhysAddr) {
	n.pages[idx] = f
	n.mappings.forEachCovering(idx<<hostarch.PageShift, func(m *Mapping, vaddr hostarch.Addr) {
		if err := m.pt.Map(vaddr, f, m.pteFlags(true, n.policy)); err != nil {
			// Left absent; the next access faults it in.
			log.Debugf("vm: refreshing %v at %v: %v", m, vaddr, err)
		}
	})
}

// read implements vmoImpl.read.
func (n *pagedNode) read(offset uint64, dst []byte) error {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	if n.released {
		return zxerr.ErrBadState
	}
	if err := checkRange(offset, uint64(len(dst)), n.length); err != nil {
		return err
	}
	mem := n.h.plat.Mem
	it := blockrange.BlockIter[uint64]{Begin: offset, End: offset + uint64(len(dst)), BlockSizeLog2: hostarch.PageShift}
	for r, ok := it.Next(); ok; r, ok = it.Next() {
		pos := r.Origin() - offset
		n.mu.Lock()
		f, _ := n.lookupLocked(r.Block)
		err := mem.ReadAt(f+hal.PhysAddr(r.Begin), dst[pos:pos+r.Len()])
		n.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// write implements vmoImpl.write.
func (n *pagedNode) write(offset uint64, src []byte) error {
	err := n.doWrite(offset, src, false)
	if err == errNeedExclusive {
		err = n.doWrite(offset, src, true)
	}
	return err
}

func (n *pagedNode) doWrite(offset uint64, src []byte, exclusive bool) error {
	n.h.lock(exclusive)
	defer n.h.unlock(exclusive)
	if n.released {
		return zxerr.ErrBadState
	}
	if err := checkRange(offset, uint64(len(src)), n.length); err != nil {
		return err
	}
	mem := n.h.plat.Mem
	it := blockrange.BlockIter[uint64]{Begin: offset, End: offset + uint64(len(src)), BlockSizeLog2: hostarch.PageShift}
	for r, ok := it.Next(); ok; r, ok = it.Next() {
		pos := r.Origin() - offset
		n.mu.Lock()
		f, err := n.commitLocked(r.Block, exclusive)
		if err == nil {
			err = mem.WriteAt(f+hal.PhysAddr(r.Begin), src[pos:pos+r.Len()])
		}
		n.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// createChild implements vmoImpl.createChild.
func (n *pagedNode) createChild(resizable bool, offset, length uint64) (*VmObject, error) {
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	if n.released {
		return nil, zxerr.ErrBadState
	}
	if offset > n.length {
		return nil, zxerr.ErrOutOfRange
	}

	hid := &pagedNode{
		h:            n.h,
		parent:       n.parent,
		parentOffset: n.parentOffset,
		parentLimit:  n.parentLimit,
		length:       n.length,
		policy:       n.policy,
		pages:        n.pages,
	}
	if g := n.parent; g != nil {
		g.replaceChild(n, hid)
	}

	limit := uint64(0)
	if n.length > offset {
		limit = min(n.length-offset, length)
	}
	c := &pagedNode{
		h:            n.h,
		parent:       hid,
		parentOffset: offset,
		parentLimit:  limit,
		length:       length,
		resizable:    resizable,
		isClone:      true,
		policy:       n.policy,
		pages:        make(map[uint64]hal.PhysAddr),
		mappings:     make(mappingSet),
	}
	c.obj = newVmObject(KindPaged, c)

	n.parent = hid
	n.parentOffset = 0
	n.parentLimit = n.length
	n.pages = make(map[uint64]hal.PhysAddr)
	hid.left = n
	hid.right = c

	// The pages moved to hid are now shared; n may no longer write them
	// in place.
	for m := range n.mappings {
		for idx := range hid.pages {
			if vaddr, ok := m.addrOf(idx << hostarch.PageShift); ok {
				if err := m.pt.Protect(vaddr, m.pteFlags(false, n.policy)); err != nil && err != zxerr.ErrNotFound {
					log.Warningf("vm: write-protecting %v at %v: %v", m, vaddr, err)
				}
			}
		}
	}
	stats.clonesCreated.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("vm: %v cloned [%#x, %#x) into %v, %d pages now shared", n.obj, offset, offset+length, c.obj, len(hid.pages))
	}
	return c.obj, nil
}

// replaceChild replaces child old of hidden node n with repl.
//
// Preconditions: h.mu is held for writing.
func (n *pagedNode) replaceChild(old, repl *pagedNode) {
	switch old {
	case n.left:
		n.left = repl
	case n.right:
		n.right = repl
	default:
		panic("vm: replaceChild of a node that is not a child")
	}
}

// release implements vmoImpl.release.
func (n *pagedNode) release() {
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	n.released = true
	n.freePagesLocked(func(uint64) bool { return true })
	n.pages = nil
	if len(n.mappings) != 0 {
		panic("vm: released a paged VmObject that is still mapped")
	}
	hid := n.parent
	if hid == nil {
		return
	}
	n.parent = nil
	sibling := hid.left
	if sibling == n {
		sibling = hid.right
	}
	hid.mergeLocked(sibling)
	sibling.pruneAncestorsLocked()
}

// pruneAncestorsLocked frees the pages of n's hidden ancestors that no leaf
// can see any more.
//
// Preconditions: h.mu is held for writing.
func (n *pagedNode) pruneAncestorsLocked() {
	for hid := n.parent; hid != nil; hid = hid.parent {
		hid.freePagesLocked(func(idx uint64) bool {
			off := idx << hostarch.PageShift
			return !hid.sees(hid.left, off) && !hid.sees(hid.right, off)
		})
	}
}

// freePagesLocked deallocates the committed pages for which drop returns
// true.
//
// Preconditions: h.mu is held for writing.
func (n *pagedNode) freePagesLocked(drop func(idx uint64) bool) {
	for idx, f := range n.pages {
		if drop(idx) {
			n.frames().Dealloc(f)
			delete(n.pages, idx)
			stats.framesReleased.Add(1)
		}
	}
}

// mergeLocked folds hidden node n, whose only remaining child is s, into s.
// Pages of n that some leaf under s can still see move to s; the rest are
// freed. s takes n's place in the tree.
//
// Preconditions: h.mu is held for writing.
func (n *pagedNode) mergeLocked(s *pagedNode) {
	moved := 0
	for idx, f := range n.pages {
		off := idx << hostarch.PageShift
		if n.sees(s, off) {
			s.pages[(off-s.parentOffset)>>hostarch.PageShift] = f
			moved++
			continue
		}
		n.frames().Dealloc(f)
		stats.framesReleased.Add(1)
	}

	limit := uint64(0)
	if n.parentLimit > s.parentOffset {
		limit = n.parentLimit - s.parentOffset
	}
	s.parentLimit = min(s.parentLimit, limit)
	s.parentOffset += n.parentOffset
	s.parent = n.parent
	if g := n.parent; g != nil {
		g.replaceChild(n, s)
	}
	n.parent, n.left, n.right, n.pages = nil, nil, nil, nil
	stats.hiddenMerges.Add(1)
	log.Debugf("vm: merged hidden node into child, %d pages moved", moved)
}

// setLen implements vmoImpl.setLen.
func (n *pagedNode) setLen(size uint64) error {
	if !n.resizable {
		return zxerr.ErrUnavailable
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return zxerr.ErrOutOfRange
	}
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	if n.released {
		return zxerr.ErrBadState
	}
	if size < n.length {
		n.freePagesLocked(func(idx uint64) bool { return idx<<hostarch.PageShift >= size })
		n.parentLimit = min(n.parentLimit, size)
		for m := range n.mappings {
			start := max(size, m.vmoOffset)
			end := m.vmoOffset + m.size
			if start >= end {
				continue
			}
			vaddr, _ := m.addrOf(start)
			if err := hal.UnmapRange(m.pt, vaddr, (end-start)>>hostarch.PageShift); err != nil {
				log.Warningf("vm: unmapping truncated part of %v: %v", m, err)
			}
		}
		n.pruneAncestorsLocked()
	}
	n.length = size
	return nil
}

// cachePolicy implements vmoImpl.cachePolicy.
func (n *pagedNode) cachePolicy() hal.CachePolicy {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	return n.policy
}

// setCachePolicy implements vmoImpl.setCachePolicy.
func (n *pagedNode) setCachePolicy(p hal.CachePolicy) error {
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	if n.released || len(n.pages) != 0 || len(n.mappings) != 0 || n.parent != nil {
		return zxerr.ErrBadState
	}
	n.policy = p
	return nil
}

// info implements vmoImpl.info.
func (n *pagedNode) info(i *Info) {
	// Attribution reads the pages of sibling leaves.
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	i.Size = n.length
	i.CachePolicy = n.policy
	i.Resizable = n.resizable
	i.IsClone = n.isClone
	i.NumMappings = len(n.mappings)
	if !n.released {
		i.CommittedBytes = n.committedPagesLocked() << hostarch.PageShift
	}
}

// committedPagesLocked returns the number of pages attributed to leaf n: its
// private pages, plus each page held by a hidden ancestor that n can see
// and that no leaf to the left of n can see.
//
// Preconditions: h.mu is held for writing.
func (n *pagedNode) committedPagesLocked() uint64 {
	count := uint64(len(n.pages))
	var path []*pagedNode
	for cur := n; cur != nil; cur = cur.parent {
		path = append(path, cur)
	}
	for j := 1; j < len(path); j++ {
		for idx := range path[j].pages {
			if n.attributedLocked(path, j, idx<<hostarch.PageShift) {
				count++
			}
		}
	}
	return count
}

// attributedLocked returns true if the page at offset off of path[j] is
// visible from path[0] and attributed to it.
func (n *pagedNode) attributedLocked(path []*pagedNode, j int, off uint64) bool {
	for i := j - 1; i >= 0; i-- {
		child, parent := path[i], path[i+1]
		if parent.left != child && parent.sees(parent.left, off) {
			return false
		}
		if off < child.parentOffset {
			return false
		}
		off -= child.parentOffset
		if off >= child.parentLimit {
			return false
		}
		if _, ok := child.pages[off>>hostarch.PageShift]; ok {
			return false
		}
	}
	return true
}

// sees returns true if some leaf under child c of n can see the page at
// offset off of n.
func (n *pagedNode) sees(c *pagedNode, off uint64) bool {
	if c == nil || off < c.parentOffset {
		return false
	}
	off -= c.parentOffset
	if off >= c.parentLimit {
		return false
	}
	if _, ok := c.pages[off>>hostarch.PageShift]; ok {
		return false
	}
	if !c.hidden() {
		return true
	}
	return c.sees(c.left, off) || c.sees(c.right, off)
}

// addMapping implements mappable.addMapping.
func (n *pagedNode) addMapping(m *Mapping) error {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return zxerr.ErrBadState
	}
	if m.vmoOffset+m.size > n.length {
		return zxerr.ErrInvalidArgs
	}
	frames := make([]hal.PhysAddr, m.pages())
	var owned []int
	for i := range frames {
		f, ok := n.lookupLocked(m.vmoOffset>>hostarch.PageShift + uint64(i))
		frames[i] = f
		if ok {
			owned = append(owned, i)
		}
	}
	if err := hal.MapMany(m.pt, m.addr, frames, m.pteFlags(false, n.policy)); err != nil {
		return err
	}
	if flags := m.pteFlags(true, n.policy); flags != m.pteFlags(false, n.policy) {
		for _, i := range owned {
			if err := m.pt.Protect(m.addr+hostarch.Addr(uint64(i)<<hostarch.PageShift), flags); err != nil {
				if uerr := hal.UnmapRange(m.pt, m.addr, m.pages()); uerr != nil {
					log.Warningf("vm: unmapping %v after failed map: %v", m, uerr)
				}
				return err
			}
		}
	}
	n.mappings.add(m)
	return nil
}

// removeMapping implements mappable.removeMapping.
func (n *pagedNode) removeMapping(m *Mapping) {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mappings.remove(m)
}

// replaceMapping implements mappable.replaceMapping.
func (n *pagedNode) replaceMapping(old *Mapping, repl []*Mapping) {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mappings.remove(old)
	for _, m := range repl {
		n.mappings.add(m)
	}
}

// fault implements mappable.fault.
func (n *pagedNode) fault(m *Mapping, vaddr hostarch.Addr, write bool) error {
	err := n.doFault(m, vaddr, write, false)
	if err == errNeedExclusive {
		err = n.doFault(m, vaddr, write, true)
	}
	return err
}

func (n *pagedNode) doFault(m *Mapping, vaddr hostarch.Addr, write, exclusive bool) error {
	n.h.lock(exclusive)
	defer n.h.unlock(exclusive)
	n.mu.Lock()
	defer n.mu.Unlock()
	if m.dead.Load() || n.released {
		return zxerr.ErrBadState
	}
	vaddr = vaddr.RoundDown()
	off := m.offsetOf(vaddr)
	if off >= n.length {
		return zxerr.ErrOutOfRange
	}
	idx := off >> hostarch.PageShift
	var (
		f     hal.PhysAddr
		owned bool
	)
	if write {
		var err error
		if f, err = n.commitLocked(idx, exclusive); err != nil {
			return err
		}
		owned = true
	} else {
		f, owned = n.lookupLocked(idx)
	}
	return m.pt.Map(vaddr, f, m.pteFlags(owned, n.policy))
}

// refreshMapping implements mappable.refreshMapping.
func (n *pagedNode) refreshMapping(m *Mapping) error {
	n.h.mu.RLock()
	defer n.h.mu.RUnlock()
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for i := uint64(0); i < m.pages(); i++ {
		vaddr := m.addr + hostarch.Addr(i<<hostarch.PageShift)
		if _, _, err := m.pt.Query(vaddr); err != nil {
			continue
		}
		off := m.offsetOf(vaddr)
		if off >= n.length {
			continue
		}
		f, owned := n.lookupLocked(off >> hostarch.PageShift)
		if err := m.pt.Map(vaddr, f, m.pteFlags(owned, n.policy)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
