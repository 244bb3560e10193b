// Package chipool implements a fixed-size typed object pool.
// It carves page-aligned memory blocks into uniform slots ("chips") sized for
// one element each, and recycles freed slots through an intrusive free list,
// so allocation and deallocation are constant time and never touch the
// general-purpose heap on the hot path.
//
// A Pool is NOT safe for concurrent use; callers wanting to share one must
// supply their own mutual exclusion, or keep one pool per goroutine. The
// default PagePool provider is safe to share between pools.
package chipool

import (
	"fmt"
	"unsafe"
)

var defaultPagePool = NewPagePool(DefaultPagePoolConfig())

// Stats represents pool stats.
type Stats struct {
	PagesAcquired uint64 // Backing pages acquired from the provider.
	SubPools      uint64 // Sub-pools carved from those pages.
	LiveChips     uint64 // Currently allocated chips.
	CapacityChips uint64 // Total chips across all sub-pools.
}

func (s *Stats) Reset() {
	s.PagesAcquired = 0
	s.SubPools = 0
	s.LiveChips = 0
	s.CapacityChips = 0
}

// Pool allocates fixed-size storage slots for values of type T.
//
// Allocate hands out raw, uninitialized storage; the pool never constructs,
// inspects, or mutates a live value. Ownership of a slot belongs exclusively
// to the caller between Allocate and the matching Deallocate.
type Pool[T any, P PagePooler] struct {
	provider P
	geo      geometry

	// cur is the sub-pool consulted first for the next allocation. Every
	// non-full sub-pool is reachable from cur through next links; full
	// sub-pools may drop off the chain and are re-linked by Deallocate.
	cur *subPool

	// pages holds every page acquired from the provider, so Close can return
	// them all. Pages are never released mid-lifetime.
	pages [][]byte

	live uint64
}

// New creates a pool for values of type T backed by the shared default
// page provider.
func New[T any]() (*Pool[T, *PagePool], error) {
	return Custom[T](defaultPagePool)
}

// Custom creates a pool for values of type T backed by a custom page provider.
// Pages handed out by the provider must be PageSize bytes and PageSize-aligned.
func Custom[T any, P PagePooler](provider P) (*Pool[T, P], error) {
	geo, err := newGeometry(unsafe.Sizeof(*new(T)))
	if err != nil {
		return nil, err
	}
	return &Pool[T, P]{provider: provider, geo: geo}, nil
}

// Allocate returns a pointer to uninitialized storage for one T.
// The caller owns the slot until it is passed back to Deallocate and is
// responsible for initializing the value in place.
func (p *Pool[T, P]) Allocate() *T {
	sp := p.cur
	if sp == nil {
		sp = p.acquireSubPools()
	}
	if sp.isFull(p.geo) {
		// Chain invariant: everything past cur is non-full, so one hop is
		// enough. The dropped full sub-pool re-enters the chain the first
		// time one of its chips is deallocated.
		if sp.next != nil {
			sp = sp.next
		} else {
			sp = p.acquireSubPools()
		}
	}
	p.cur = sp
	sp.usedCount++
	p.live++

	// Prefer recycling a freed chip over bumping into untouched space: the
	// memory is already warm, and it keeps beginIdx monotonic so a drained
	// sub-pool can reset cleanly.
	if sp.freeIdx != p.geo.sentinel {
		chip := sp.chip(p.geo, int(sp.freeIdx))
		sp.freeIdx = p.geo.readLink(chip)
		return (*T)(chip)
	}
	chip := sp.chip(p.geo, int(sp.beginIdx))
	sp.beginIdx++
	return (*T)(chip)
}

// Deallocate returns a previously allocated, still-live slot to the pool.
// Any live value must have been disposed of by the caller first. Double
// frees, foreign pointers, and use after free are undefined behavior; no
// validation is attempted on this path.
func (p *Pool[T, P]) Deallocate(ptr *T) {
	addr := uintptr(unsafe.Pointer(ptr))
	sp := owningSubPool(p.geo, addr)
	idx := chipIndex(p.geo, sp, addr)

	// A full sub-pool is off the active chain; link it back in at the head
	// so the next allocation reuses it. The insertion must keep the chain
	// invariant (everything past cur is non-full): a still-full cur is
	// displaced rather than linked behind the incoming sub-pool.
	if sp.isFull(p.geo) && sp != p.cur {
		switch {
		case p.cur == nil:
			sp.next = nil
		case p.cur.isFull(p.geo):
			sp.next = p.cur.next
		default:
			sp.next = p.cur
		}
		p.cur = sp
	}
	sp.usedCount--
	p.live--

	if sp.isEmpty() {
		// Nothing live remains, so no address needs preserving. Pure bump
		// mode is equivalent to replaying a fragmented free list and cheaper.
		sp.reset(p.geo)
		return
	}
	p.geo.writeLink(unsafe.Pointer(ptr), sp.freeIdx)
	sp.freeIdx = idx
}

// Reserve pre-warms the page provider so the next numPages sub-pool
// acquisitions do not have to hit the backing memory source.
func (p *Pool[T, P]) Reserve(numPages int) {
	p.provider.Allocate(numPages)
}

// Close returns every acquired page to the provider and resets the pool to a
// fresh, empty state. It may be reused afterwards. Closing while allocated
// pointers are still outstanding is undefined behavior.
func (p *Pool[T, P]) Close() {
	for _, page := range p.pages {
		p.provider.Put(page)
	}
	p.pages = nil
	p.cur = nil
	p.live = 0
}

func (p *Pool[T, P]) UpdateStats(s *Stats) {
	numPools := uint64(len(p.pages)) * uint64(p.geo.subPoolsPerPage())
	s.PagesAcquired += uint64(len(p.pages))
	s.SubPools += numPools
	s.LiveChips += p.live
	s.CapacityChips += numPools * uint64(p.geo.chipCount)
}

// ChipCount returns the number of chips each sub-pool holds.
func (p *Pool[T, P]) ChipCount() int {
	return p.geo.chipCount
}

// acquireSubPools gets one page from the provider, carves it into sub-pools
// (one per page, or several pre-linked ones for 1-byte elements), and returns
// the first. The provider's alignment contract is checked rather than assumed,
// since pointer-to-sub-pool resolution depends on it.
func (p *Pool[T, P]) acquireSubPools() *subPool {
	page := p.provider.Get()
	if len(page) < PageSize {
		panic(fmt.Errorf("chipool: provider returned a short page: %d bytes", len(page)))
	}
	addr := uintptr(unsafe.Pointer(&page[0]))
	if addr&uintptr(PageSize-1) != 0 {
		panic(fmt.Errorf("chipool: provider returned a misaligned page: address %#x", addr))
	}
	p.pages = append(p.pages, page)

	n := p.geo.subPoolsPerPage()
	stride := int(p.geo.stride)
	for i := 0; i < n; i++ {
		sp := (*subPool)(unsafe.Pointer(&page[i*stride]))
		sp.init(p.geo)
		if i+1 < n {
			sp.next = (*subPool)(unsafe.Pointer(&page[(i+1)*stride]))
		}
	}
	return (*subPool)(unsafe.Pointer(&page[0]))
}
