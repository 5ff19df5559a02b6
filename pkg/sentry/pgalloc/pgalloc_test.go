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

package pgalloc

import (
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/gramineproject/enclave-runtime/pkg/hostarch"
)

// fakeDriver counts EDMM round-trips without touching real EPC pages,
// so tests can assert on accept/trim call counts.
type fakeDriver struct {
	accepts atomic.Int64
	trims   atomic.Int64
	modpes  atomic.Int64
}

func (f *fakeDriver) TrimEPCPages(hostarch.Addr, int) error     { f.trims.Add(1); return nil }
func (f *fakeDriver) NotifyAccept(hostarch.Addr, int) error     { return nil }
func (f *fakeDriver) AcceptPage(hostarch.Addr, AcceptFlags) error { f.accepts.Add(1); return nil }
func (f *fakeDriver) ModifyPagePerm(hostarch.Addr, uint64) error  { f.modpes.Add(1); return nil }

func newTestAllocator() *Allocator {
	return NewAllocator(0x1000_0000, 0x2000_0000, 1024, 0, nil)
}

// TestDescendingPlacement is scenario S1 from spec.md §8.
func TestDescendingPlacement(t *testing.T) {
	a := newTestAllocator()
	got1, err := a.Allocate(0, 0x1000, false, false)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if want := hostarch.Addr(0x1FFF_F000); got1 != want {
		t.Errorf("first allocate: got %#x, want %#x", got1, want)
	}
	got2, err := a.Allocate(0, 0x2000, false, false)
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if want := hostarch.Addr(0x1FFF_D000); got2 != want {
		t.Errorf("second allocate: got %#x, want %#x", got2, want)
	}
	if n := a.tree.Len(); n != 1 {
		t.Fatalf("expected single merged VMA, got %d VMAs", n)
	}
	top, _ := a.tree.Min()
	v := a.pool.get(top.idx)
	if v.bottom != 0x1FFF_D000 || v.top != 0x2000_0000 {
		t.Errorf("merged vma = [%#x, %#x), want [0x1FFFD000, 0x20000000)", v.bottom, v.top)
	}
}

// TestMixedTagRejection is scenario S2.
func TestMixedTagRejection(t *testing.T) {
	a := newTestAllocator()
	addr, err := a.Allocate(0x1000_1000, 0x1000, true, false)
	if err != nil {
		t.Fatalf("internal allocate: %v", err)
	}
	if _, err := a.Allocate(addr, 0x1000, false, false); !errors.Is(err, ErrMixedTag) && !errors.Is(err, ErrInval) {
		t.Errorf("expected mixed-tag rejection, got %v", err)
	}
	if n := a.tree.Len(); n != 1 {
		t.Errorf("list mutated after rejected allocate: %d VMAs", n)
	}
}

// TestFragmentedFree is scenario S3.
func TestFragmentedFree(t *testing.T) {
	a := newTestAllocator()
	const A = hostarch.Addr(0x1001_0000)
	addr, err := a.Allocate(A, 0x4000, false, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	before := a.PageCount()
	if err := a.Free(addr+0x1000, 0x2000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got, want := before-a.PageCount(), uint64(0x2000); got != want {
		t.Errorf("page counter decreased by %#x, want %#x", got, want)
	}
	var ranges []hostarch.AddrRange
	a.tree.Ascend(func(item vmaItem) bool {
		v := a.pool.get(item.idx)
		ranges = append(ranges, v.rng())
		return true
	})
	want := []hostarch.AddrRange{
		{Start: A + 0x3000, End: A + 0x4000},
		{Start: A, End: A + 0x1000},
	}
	if len(ranges) != len(want) {
		t.Fatalf("got %d VMAs, want %d: %v", len(ranges), len(want), ranges)
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("vma %d: got %v, want %v", i, ranges[i], want[i])
		}
	}
}

// TestAllocateFreeRoundTrip is the quantified invariant from spec.md
// §8.3: allocate(addr,size); free(addr,size) restores the page counter
// and VMA set modulo merges.
func TestAllocateFreeRoundTrip(t *testing.T) {
	a := newTestAllocator()
	before := a.PageCount()
	addr, err := a.Allocate(0x1008_0000, 0x3000, false, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Free(addr, 0x3000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := a.PageCount(); got != before {
		t.Errorf("page count after round-trip = %d, want %d", got, before)
	}
	if n := a.tree.Len(); n != 0 {
		t.Errorf("VMA set not empty after round-trip: %d VMAs", n)
	}
}

// TestFreeAlreadyFreeIsNoop covers the boundary behavior in spec.md §8.
func TestFreeAlreadyFreeIsNoop(t *testing.T) {
	a := newTestAllocator()
	before := a.PageCount()
	if err := a.Free(0x1005_0000, 0x1000); err != nil {
		t.Fatalf("free of untouched region: %v", err)
	}
	if got := a.PageCount(); got != before {
		t.Errorf("page count changed on no-op free: got %d, want %d", got, before)
	}
}

func TestFreeOutsideHeapIsInval(t *testing.T) {
	a := newTestAllocator()
	if err := a.Free(0x0500_0000, 0x1000); !errors.Is(err, ErrInval) {
		t.Errorf("free outside heap: got %v, want ErrInval", err)
	}
}

// TestTopGranuleBoundary covers "allocate size=granule at heap_top-granule
// succeeds iff the top granule is free" from spec.md §8.
func TestTopGranuleBoundary(t *testing.T) {
	a := newTestAllocator()
	topAddr := a.heapTop - hostarch.PageSize
	got, err := a.Allocate(topAddr, hostarch.PageSize, false, false)
	if err != nil {
		t.Fatalf("allocate top granule: %v", err)
	}
	if got != topAddr {
		t.Errorf("got %#x, want %#x", got, topAddr)
	}
	if _, err := a.Allocate(topAddr, hostarch.PageSize, true, false); !errors.Is(err, ErrMixedTag) {
		t.Errorf("re-allocating occupied top granule with different tag: got %v, want ErrMixedTag", err)
	}
}

// TestPoolExhaustionReturnsNoMem covers "Pool exhaustion...returns NOMEM
// without partial state change."
func TestPoolExhaustionReturnsNoMem(t *testing.T) {
	a := NewAllocator(0x1000_0000, 0x2000_0000, 4, 0, nil)
	// Allocate 4 disjoint VMAs to exhaust a 4-slot arena, leaving gaps so
	// none of them merge.
	addrs := []hostarch.Addr{0x1000_0000, 0x1000_2000, 0x1000_4000, 0x1000_6000}
	for _, addr := range addrs {
		if _, err := a.Allocate(addr, 0x1000, false, false); err != nil {
			t.Fatalf("allocate %#x: %v", addr, err)
		}
	}
	if _, err := a.Allocate(0x1000_8000, 0x1000, false, false); !errors.Is(err, ErrNoMem) {
		t.Errorf("expected NOMEM on exhausted arena, got %v", err)
	}
	if n := a.tree.Len(); n != 4 {
		t.Errorf("arena exhaustion mutated VMA count: got %d, want 4", n)
	}
}

// TestHeapTop exercises get_heap_top: the highest address not covered by
// any VMA.
func TestHeapTop(t *testing.T) {
	a := newTestAllocator()
	if got := a.HeapTop(); got != a.heapTop {
		t.Errorf("empty allocator HeapTop = %#x, want %#x", got, a.heapTop)
	}
	if _, err := a.Allocate(0, 0x1000, false, false); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got, want := a.HeapTop(), a.heapTop-0x1000; got != want {
		t.Errorf("HeapTop after top allocate = %#x, want %#x", got, want)
	}
}

// TestEDMMRoundTrips checks that allocate issues EACCEPT only for the
// gaps not already covered, and free issues a matching trim/accept/
// notify sequence.
func TestEDMMRoundTrips(t *testing.T) {
	drv := &fakeDriver{}
	a := NewAllocator(0x1000_0000, 0x2000_0000, 1024, 0, drv)
	addr, err := a.Allocate(0x1004_0000, 0x3000, false, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got := drv.accepts.Load(); got != 3 {
		t.Errorf("EACCEPT calls = %d, want 3", got)
	}
	// Extending the same VMA downward by one more page should only
	// EACCEPT the new page, not the whole merged range.
	if _, err := a.Allocate(addr-0x1000, 0x1000, false, false); err != nil {
		t.Fatalf("extend allocate: %v", err)
	}
	if got := drv.accepts.Load(); got != 4 {
		t.Errorf("EACCEPT calls after extend = %d, want 4", got)
	}
	if err := a.Free(addr, 0x3000); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := drv.trims.Load(); got != 1 {
		t.Errorf("TrimEPCPages calls = %d, want 1", got)
	}
}

// TestConcurrentDisjointAllocations is the quantified invariant from
// spec.md §8.1: at every quiescent point the VMA list is sorted by
// descending bottom and contains no overlaps.
func TestConcurrentDisjointAllocations(t *testing.T) {
	a := newTestAllocator()
	const n = 64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		addr := hostarch.Addr(0x1001_0000 + i*0x2000)
		g.Go(func() error {
			_, err := a.Allocate(addr, 0x1000, false, false)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent allocate: %v", err)
	}

	var prev hostarch.Addr = ^hostarch.Addr(0)
	var prevBottom hostarch.Addr
	first := true
	a.tree.Ascend(func(item vmaItem) bool {
		v := a.pool.get(item.idx)
		if !first && v.bottom >= prevBottom {
			t.Errorf("VMA set not strictly descending: %#x then %#x", prevBottom, v.bottom)
		}
		if !first && v.top > prev {
			t.Errorf("VMA overlap detected at %#x", v.top)
		}
		prev = v.bottom
		prevBottom = v.bottom
		first = false
		return true
	})
	if got := a.tree.Len(); got != n {
		t.Errorf("got %d VMAs, want %d (no unexpected merges)", got, n)
	}
}
