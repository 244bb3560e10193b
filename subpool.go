package chipool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

const (
	// PageSize is the size and alignment of every sub-pool backing page.
	// Page providers must hand out pages aligned to this boundary; owning
	// sub-pools are resolved from raw pointers by masking against it.
	PageSize = 4096

	// packedStride is the sub-pool stride for 1-byte element types. A full
	// page of 1-byte chips would far exceed what a 1-byte free-list link can
	// address, so the page is carved into eight independently bookkept
	// sub-pools instead.
	packedStride = PageSize / 8
)

var (
	ErrZeroSizeType = errors.New("zero-size types cannot be pooled")
	ErrNotPoolable  = errors.New("sub-pool capacity is not evenly divisible by the element size")
	ErrTypeTooLarge = fmt.Errorf("element does not fit in a single sub-pool (max %d bytes)", PageSize-int(headerSize))
)

// subPool is the bookkeeping header at the start of every sub-pool.
// The chip array follows immediately after it; chips are addressed with raw
// pointer arithmetic rather than a variable-length Go array member.
type subPool struct {
	// freeIdx is the head of the intrusive free list, or the geometry's
	// sentinel when the list is empty. Each free chip stores the index of the
	// next free chip in its own first link-width bytes.
	freeIdx uint16

	// beginIdx is the bump cursor: the first never-yet-used chip index.
	beginIdx uint16

	// usedCount is the number of live chips.
	usedCount uint16

	_ uint16

	// next links to a sibling sub-pool in the same pool's chain.
	// Forward links only; the chain is acyclic by construction.
	next *subPool
}

const headerSize = unsafe.Sizeof(subPool{})

// geometry is the per-element-type sub-pool layout, computed once at pool
// construction and shared by every sub-pool of that pool.
type geometry struct {
	chipSize  uintptr // Element size; also the chip stride within a sub-pool.
	stride    uintptr // Sub-pool size; PageSize, or packedStride for 1-byte elements.
	chipCount int     // Chips per sub-pool.
	linkWidth int     // Free-list link size in bytes (1 or 2).
	sentinel  uint16  // freeIdx value meaning "free list empty".
}

// newGeometry derives the sub-pool layout for an element of the given size.
// Not every size is poolable: the usable region after the header must divide
// evenly into chips, and a chip must fit in a sub-pool at all.
func newGeometry(chipSize uintptr) (geometry, error) {
	if chipSize == 0 {
		return geometry{}, ErrZeroSizeType
	}
	g := geometry{
		chipSize:  chipSize,
		stride:    PageSize,
		linkWidth: 2,
		sentinel:  ^uint16(0),
	}
	if chipSize == 1 {
		// A 1-byte chip can only hold a 1-byte link, and a 1-byte link can
		// only address a small sub-pool. Pack several short sub-pools into
		// each backing page instead of wasting most of a full one.
		g.stride = packedStride
		g.linkWidth = 1
		g.sentinel = uint16(^uint8(0))
	}
	usable := g.stride - headerSize
	if chipSize > usable {
		return geometry{}, ErrTypeTooLarge
	}
	if usable%chipSize != 0 {
		return geometry{}, fmt.Errorf("%w: %d usable bytes, %d byte elements", ErrNotPoolable, usable, chipSize)
	}
	g.chipCount = int(usable / chipSize)
	// Every chip index must stay below the sentinel so a link can never be
	// mistaken for "empty". Capping wastes tail capacity only in the 1-byte
	// case, where the cap is what keeps links from overflowing their chip.
	if g.chipCount > int(g.sentinel) {
		g.chipCount = int(g.sentinel)
	}
	return g, nil
}

// subPoolsPerPage returns how many sub-pools are carved from one page.
func (g geometry) subPoolsPerPage() int {
	return int(PageSize / g.stride)
}

// readLink reads the free-list link stored in a free chip.
// The chip must not hold a live value.
func (g geometry) readLink(chip unsafe.Pointer) uint16 {
	b := unsafe.Slice((*byte)(chip), g.linkWidth)
	if g.linkWidth == 1 {
		return uint16(b[0])
	}
	return binary.LittleEndian.Uint16(b)
}

// writeLink stores a free-list link in a freed chip, overwriting whatever
// value the caller left behind.
func (g geometry) writeLink(chip unsafe.Pointer, idx uint16) {
	b := unsafe.Slice((*byte)(chip), g.linkWidth)
	if g.linkWidth == 1 {
		b[0] = uint8(idx)
		return
	}
	binary.LittleEndian.PutUint16(b, idx)
}

// init resets the header to the pristine state: empty free list, bump cursor
// at chip 0, no live chips, no sibling. Pages are recycled through providers,
// so no field may be assumed zero.
func (sp *subPool) init(g geometry) {
	sp.freeIdx = g.sentinel
	sp.beginIdx = 0
	sp.usedCount = 0
	sp.next = nil
}

// reset discards the free list of a drained sub-pool and returns it to pure
// bump allocation. Only valid while no chips are live; the chain link and
// live count are untouched.
func (sp *subPool) reset(g geometry) {
	sp.freeIdx = g.sentinel
	sp.beginIdx = 0
}

func (sp *subPool) isFull(g geometry) bool {
	return int(sp.usedCount) == g.chipCount
}

func (sp *subPool) isEmpty() bool {
	return sp.usedCount == 0
}

// chip returns the address of the chip at the given index.
func (sp *subPool) chip(g geometry, idx int) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(sp), headerSize+uintptr(idx)*g.chipSize)
}

// owningSubPool resolves the sub-pool containing addr. The page mask alone is
// not enough: packed 1-byte sub-pools share a page, so the intra-page offset
// selects the sub-pool within it.
func owningSubPool(g geometry, addr uintptr) *subPool {
	base := addr &^ uintptr(PageSize-1)
	base += (addr - base) / g.stride * g.stride
	return (*subPool)(unsafe.Pointer(base))
}

// chipIndex returns the index of the chip at addr within its sub-pool.
func chipIndex(g geometry, sp *subPool, addr uintptr) uint16 {
	return uint16((addr - uintptr(unsafe.Pointer(sp)) - headerSize) / g.chipSize)
}
