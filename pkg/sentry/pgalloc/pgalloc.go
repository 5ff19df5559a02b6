// Copyright 2018 The gVisor Authors.
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

// Package pgalloc implements the enclave page allocator: the enclave
// heap range [heapBottom, heapTop) managed as a set of non-overlapping,
// tagged virtual memory areas (VMAs), with optional EDMM page
// accept/trim round-trips to the untrusted host driver.
//
// The role this plays for an SGX LibOS is the one pkg/sentry/mm plays
// for gVisor's application address space, but simplified: there is one
// address space (the enclave's own), one tag dimension (PAL-internal vs
// application), and no page tables to program — EPC pages are backed by
// the host driver, not by this process.
package pgalloc

import (
	"fmt"

	"github.com/google/btree"

	"github.com/gramineproject/enclave-runtime/pkg/atomicbitops"
	"github.com/gramineproject/enclave-runtime/pkg/hostarch"
	"github.com/gramineproject/enclave-runtime/pkg/sync"
)

const btreeDegree = 32

// Allocator owns the enclave heap's VMA set and the global counters
// derived from it. The zero value is not usable; construct with
// NewAllocator.
type Allocator struct {
	// mu is the single global heap lock spec.md §5 describes: every
	// mutator holds it for its entire critical section, including any
	// EDMM host round-trip, which is what serializes driver calls per
	// enclave.
	mu sync.Mutex

	heapBottom hostarch.Addr
	heapTop    hostarch.Addr

	tree *btree.BTreeG[vmaItem]
	pool *vmaArena

	pageCount     atomicbitops.Uint64
	internalUsage atomicbitops.Uint64

	// internalBudget bounds is_pal_internal allocations. Zero means
	// unbounded.
	internalBudget uint64

	// driver is nil when EDMM is unavailable (non-SGX2 hardware, or a
	// platform that backs the whole heap range up front).
	driver HostDriver
}

// NewAllocator constructs an Allocator governing [heapBottom, heapTop).
// arenaCapacity is the number of VMA slots to preallocate; pass
// DefaultArenaCapacity absent a reason to deviate. driver may be nil to
// disable EDMM.
func NewAllocator(heapBottom, heapTop hostarch.Addr, arenaCapacity int, internalBudget uint64, driver HostDriver) *Allocator {
	if !hostarch.IsPageAligned(heapBottom) || !hostarch.IsPageAligned(heapTop) || heapBottom >= heapTop {
		bug("pgalloc: invalid heap range [%#x, %#x)", heapBottom, heapTop)
	}
	return &Allocator{
		heapBottom:     heapBottom,
		heapTop:        heapTop,
		tree:           btree.NewG(btreeDegree, vmaItemLess),
		pool:           newVMAArena(arenaCapacity),
		internalBudget: internalBudget,
		driver:         driver,
	}
}

// PageCount returns the number of bytes currently covered by some VMA.
func (a *Allocator) PageCount() uint64 { return a.pageCount.Load() }

// InternalUsage returns the number of bytes currently covered by
// is_pal_internal VMAs.
func (a *Allocator) InternalUsage() uint64 { return a.internalUsage.Load() }

// HeapTop returns the highest enclave address not covered by any VMA,
// for the loader to place reserved regions against.
func (a *Allocator) HeapTop() hostarch.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	top, ok := a.tree.Min()
	if !ok {
		return a.heapTop
	}
	v := a.pool.get(top.idx)
	if v.top == a.heapTop {
		return v.bottom
	}
	return a.heapTop
}

// gatherRelevant returns, in descending-bottom order, the arena indices
// of VMAs that overlap target, or — if includeAdjacent — also touch one
// of target's boundaries. The tree is scanned from its highest-bottom
// end and the walk stops as soon as an item's top falls below
// target.Start, which is sound because VMAs are non-overlapping and
// sorted by descending bottom (so tops are monotonically descending
// too).
func (a *Allocator) gatherRelevant(target hostarch.AddrRange, includeAdjacent bool) []int32 {
	var out []int32
	a.tree.Ascend(func(item vmaItem) bool {
		v := a.pool.get(item.idx)
		vr := v.rng()
		if vr.Start > target.End {
			return true // still above target with a real gap; keep descending
		}
		if vr.End < target.Start {
			return false // below target with a real gap; nothing further matters
		}
		if vr.Overlaps(target) || (includeAdjacent && (vr.End == target.Start || vr.Start == target.End)) {
			out = append(out, item.idx)
		}
		return true
	})
	return out
}

// tagConflict reports whether any VMA in idxs has a tag different from
// internal.
func (a *Allocator) tagConflict(idxs []int32, internal bool) bool {
	for _, idx := range idxs {
		if a.pool.get(idx).internal != internal {
			return true
		}
	}
	return false
}

func (a *Allocator) insertVMA(bottom, top hostarch.Addr, internal bool) (int32, error) {
	if bottom >= top {
		bug("pgalloc: attempted to insert vma [%#x, %#x)", bottom, top)
	}
	idx, ok := a.pool.take()
	if !ok {
		return 0, ErrNoMem
	}
	v := a.pool.get(idx)
	*v = vma{bottom: bottom, top: top, internal: internal}
	a.tree.ReplaceOrInsert(vmaItem{idx: idx, bottom: bottom})
	return idx, nil
}

func (a *Allocator) removeVMA(idx int32) {
	v := a.pool.get(idx)
	if _, ok := a.tree.Delete(vmaItem{idx: idx, bottom: v.bottom}); !ok {
		bug("pgalloc: removeVMA: idx %d not present in tree", idx)
	}
	a.pool.put(idx)
}

func (a *Allocator) rekeyVMA(idx int32, oldBottom hostarch.Addr) {
	v := a.pool.get(idx)
	if _, ok := a.tree.Delete(vmaItem{idx: idx, bottom: oldBottom}); !ok {
		bug("pgalloc: rekeyVMA: idx %d not present in tree", idx)
	}
	a.tree.ReplaceOrInsert(vmaItem{idx: idx, bottom: v.bottom})
}

// findFreeChoiceRange scans the VMA set from the top of the heap down
// and returns the highest-addressed gap of at least size bytes, or
// ok=false if none exists. This implements spec.md §4.1's "scan VMAs
// from highest address downward and pick the first gap that fits" for
// addr==0 allocation requests.
func (a *Allocator) findFreeChoiceRange(size uint64) (hostarch.Addr, bool) {
	prevBottom := a.heapTop
	found := false
	var candidate hostarch.Addr
	a.tree.Ascend(func(item vmaItem) bool {
		v := a.pool.get(item.idx)
		gap := uint64(int64(prevBottom) - int64(v.top))
		if int64(prevBottom)-int64(v.top) >= 0 && gap >= size {
			candidate = prevBottom - hostarch.Addr(size)
			found = true
			return false
		}
		prevBottom = v.bottom
		return true
	})
	if found {
		return candidate, true
	}
	if gap := uint64(int64(prevBottom) - int64(a.heapBottom)); gap >= size {
		return prevBottom - hostarch.Addr(size), true
	}
	return 0, false
}

// Allocate reserves [addr, addr+size) (or, if addr is 0, a region of
// size bytes chosen by the allocator) as either PAL-internal or
// application heap, merging it with any adjacent or overlapping VMA of
// the same tag. executable controls whether, under EDMM, the
// newly-accepted pages are given execute permission.
func (a *Allocator) Allocate(addr hostarch.Addr, size uint64, internal bool, executable bool) (hostarch.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("pgalloc: allocate: %w: size must be > 0", ErrInval)
	}
	roundedSize := uint64(mustRoundUp(hostarch.Addr(size)))

	a.mu.Lock()
	defer a.mu.Unlock()

	if internal && a.internalBudget != 0 && a.internalUsage.Load()+roundedSize > a.internalBudget {
		return 0, fmt.Errorf("pgalloc: allocate: %w: internal budget exceeded", ErrNoMem)
	}

	var target hostarch.AddrRange
	if addr == 0 {
		start, ok := a.findFreeChoiceRange(roundedSize)
		if !ok {
			return 0, fmt.Errorf("pgalloc: allocate: %w: no gap of %d bytes", ErrNoMem, roundedSize)
		}
		target = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(roundedSize)}
	} else {
		start := hostarch.PageRoundDown(addr)
		target = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(roundedSize)}
		if target.Start < a.heapBottom || target.End > a.heapTop || !target.WellFormed() {
			return 0, fmt.Errorf("pgalloc: allocate: %w: [%#x, %#x) outside heap [%#x, %#x)",
				ErrInval, target.Start, target.End, a.heapBottom, a.heapTop)
		}
	}

	overlapping := a.gatherRelevant(target, false)
	if a.tagConflict(overlapping, internal) {
		return 0, fmt.Errorf("pgalloc: allocate: %w: %w", ErrInval, ErrMixedTag)
	}

	mergeSet := a.gatherRelevant(target, true)
	var sameTag []int32
	for _, idx := range mergeSet {
		if a.pool.get(idx).internal == internal {
			sameTag = append(sameTag, idx)
		}
	}

	finalRange := target
	gaps := newGapList()
	coveredBytes := uint64(0)
	// sameTag is already in descending-bottom order (gatherRelevant
	// walks the tree that way); walk it to both grow finalRange to
	// cover every merged neighbor and to find the sub-ranges of
	// finalRange NOT already covered, which is exactly what needs a
	// fresh EDMM EACCEPT.
	prevGapEnd := target.End
	for _, idx := range sameTag {
		v := a.pool.get(idx)
		vr := v.rng()
		if vr.Start < finalRange.Start {
			finalRange.Start = vr.Start
		}
		if vr.End > finalRange.End {
			finalRange.End = vr.End
		}
		coveredBytes += uint64(vr.Length())
		if vr.End < prevGapEnd {
			gaps.add(hostarch.AddrRange{Start: vr.End, End: prevGapEnd})
		}
		prevGapEnd = vr.Start
	}
	if finalRange.Start < prevGapEnd {
		gaps.add(hostarch.AddrRange{Start: finalRange.Start, End: prevGapEnd})
	}

	for _, idx := range sameTag {
		a.removeVMA(idx)
	}
	if _, err := a.insertVMA(finalRange.Start, finalRange.End, internal); err != nil {
		return 0, err
	}

	delta := uint64(finalRange.Length()) - coveredBytes
	a.pageCount.Add(delta)
	if internal {
		a.internalUsage.Add(delta)
	}

	if a.driver != nil {
		flags := AcceptRead | AcceptWrite | AcceptRegular | AcceptPending
		for _, gr := range gaps.ranges {
			for p := gr.Start; p < gr.End; p += hostarch.PageSize {
				if err := a.driver.AcceptPage(p, flags); err != nil {
					return 0, fmt.Errorf("pgalloc: allocate: EACCEPT %#x: %w", p, err)
				}
			}
			if executable {
				if err := a.driver.ModifyPagePerm(gr.Start, uint64(gr.Length())); err != nil {
					return 0, fmt.Errorf("pgalloc: allocate: EMODPE [%#x,%#x): %w", gr.Start, gr.End, err)
				}
			}
		}
	}

	return target.Start, nil
}

// Free releases [addr, addr+size), splitting or removing whatever VMAs
// overlap it. addr and size must already be granule-aligned; unlike
// Allocate, Free does not round on the caller's behalf, matching
// spec.md §4.1's free() contract.
func (a *Allocator) Free(addr hostarch.Addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("pgalloc: free: %w: size must be > 0", ErrInval)
	}
	if !hostarch.IsPageAligned(addr) || !hostarch.IsPageAligned(hostarch.Addr(size)) {
		return fmt.Errorf("pgalloc: free: %w: misaligned [%#x, %#x)", ErrInval, addr, size)
	}
	target := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	if target.Start < a.heapBottom || target.End > a.heapTop || !target.WellFormed() {
		return fmt.Errorf("pgalloc: free: %w: [%#x, %#x) outside heap [%#x, %#x)",
			ErrInval, target.Start, target.End, a.heapBottom, a.heapTop)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	overlapping := a.gatherRelevant(target, false)
	if len(overlapping) == 0 {
		return nil // freeing an already-free region is a no-op, not an error
	}

	tag := a.pool.get(overlapping[0]).internal
	if a.tagConflict(overlapping, tag) {
		return fmt.Errorf("pgalloc: free: %w: %w", ErrInval, ErrMixedTag)
	}

	gaps := newGapList()
	var freedBytes uint64
	for _, idx := range overlapping {
		v := a.pool.get(idx)
		vr := v.rng()
		inter := vr.Intersect(target)
		freedBytes += uint64(inter.Length())
		gaps.add(inter)

		hasLower := vr.Start < inter.Start
		hasUpper := vr.End > inter.End

		// The tree is keyed by bottom alone, so the lower residual keeps
		// this VMA's slot and any upper residual gets a new one.
		switch {
		case hasLower && hasUpper:
			if _, err := a.insertVMA(inter.End, vr.End, v.internal); err != nil {
				return fmt.Errorf("pgalloc: free: splitting upper residual: %w", err)
			}
			v.top = inter.Start
		case hasLower:
			v.top = inter.Start
		case hasUpper:
			oldBottom := v.bottom
			v.bottom = inter.End
			a.rekeyVMA(idx, oldBottom)
		default:
			a.removeVMA(idx)
		}
	}

	if freedBytes > a.pageCount.Load() {
		bug("pgalloc: free: freed %d bytes exceeds tracked page count %d", freedBytes, a.pageCount.Load())
	}
	a.pageCount.Sub(freedBytes)
	if tag {
		a.internalUsage.Sub(freedBytes)
	}

	if a.driver != nil {
		for _, gr := range gaps.ranges {
			pages := int(gr.Length() / hostarch.PageSize)
			if err := a.driver.TrimEPCPages(gr.Start, pages); err != nil {
				return fmt.Errorf("pgalloc: free: ETRACK/EREMOVE [%#x,%#x): %w", gr.Start, gr.End, err)
			}
			for p := gr.Start; p < gr.End; p += hostarch.PageSize {
				if err := a.driver.AcceptPage(p, AcceptTrim|AcceptModified); err != nil {
					return fmt.Errorf("pgalloc: free: EACCEPT(TRIM) %#x: %w", p, err)
				}
			}
			if err := a.driver.NotifyAccept(gr.Start, pages); err != nil {
				return fmt.Errorf("pgalloc: free: notify EREMOVE [%#x,%#x): %w", gr.Start, gr.End, err)
			}
		}
	}

	return nil
}

func mustRoundUp(addr hostarch.Addr) hostarch.Addr {
	rounded, ok := hostarch.PageRoundUp(addr)
	if !ok {
		bug("pgalloc: size overflow rounding %#x up to page size", addr)
	}
	return rounded
}
