package chipool

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pagesPerAlloc is the number of pages committed per mmap call. Batching
// amortizes the syscall across several sub-pool acquisitions.
const pagesPerAlloc = 8

// PagePool is a thread-safe provider of off-heap, PageSize-aligned memory
// pages. Released pages are cached for reuse; the cache is trimmed back to
// the operating system once it grows past the configured threshold.
//
// One PagePool can back any number of Pool instances.
type PagePool struct {
	mu   sync.Mutex
	free []*[PageSize]byte

	// freeThreshold is the number of cached free pages the pool can hold
	// before starting to release memory.
	freeThreshold int
}

// NewPagePool creates a new, empty page pool.
func NewPagePool(config PagePoolConfig) *PagePool {
	return &PagePool{freeThreshold: config.FreeThreshold}
}

// Get retrieves one PageSize-aligned page, reusing a cached one when possible.
func (p *PagePool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.alloc(pagesPerAlloc)
	}
	n := len(p.free) - 1
	ptr := p.free[n]
	p.free = p.free[:n]
	return ptr[:]
}

// Put returns a page to the pool.
// It does nothing if the slice is not a full page.
func (p *PagePool) Put(page []byte) {
	if page == nil {
		return
	}
	if cap(page) < PageSize {
		return
	}
	page = page[:PageSize] // Ensure the page is reset to its full capacity before returning.

	ptr := (*[PageSize]byte)(unsafe.Pointer(&page[0]))
	var pagesToUnmap []*[PageSize]byte

	p.mu.Lock()
	p.free = append(p.free, ptr)
	p.free, pagesToUnmap = releasePages(p.free, p.freeThreshold)
	p.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	for _, pagePtr := range pagesToUnmap {
		p.unmap(pagePtr[:])
	}
}

// Allocate ensures that at least numPages are available in the pool.
// This is useful for pre-warming the pool to a specific capacity.
func (p *PagePool) Allocate(numPages int) {
	if numPages <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := numPages - len(p.free); n > 0 {
		p.alloc(n)
	}
}

// unmap releases the memory of a page back to the operating system.
func (p *PagePool) unmap(page []byte) {
	if err := unix.Munmap(page); err != nil {
		slog.Error("failed to unmap page", "error", err)
	}
}

// alloc allocates the specified number of free pages.
// It assumes the caller holds the mutex.
func (p *PagePool) alloc(numPages int) {
	totalAllocSize := PageSize * numPages

	// Use unix.Mmap to allocate virtual memory that is not part of the Go
	// heap. The kernel hands back regions aligned to at least PageSize,
	// which is what lets sub-pools be resolved from raw chip pointers.
	data, err := unix.Mmap(-1, 0, totalAllocSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		panic(fmt.Errorf("cannot allocate %d bytes via mmap for %d pages: %w", totalAllocSize, numPages, err))
	}

	// Slice the mmap'd region into pages and append to the free list.
	for len(data) > 0 {
		pageSlice := data[:PageSize:PageSize]
		data = data[PageSize:]
		p.free = append(p.free, (*[PageSize]byte)(unsafe.Pointer(&pageSlice[0])))
	}
}

// numFree returns the number of cached free pages.
// It is primarily intended as helper method in tests.
func (p *PagePool) numFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// releasePages trims the free list if it exceeds the given threshold.
// It returns the updated list and any pages that were removed and should be
// unmapped.
func releasePages(freeList []*[PageSize]byte, threshold int) (newList, toUnmap []*[PageSize]byte) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free pages to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		return freeList[freeCount:], freeList[:freeCount]
	}
	return freeList, nil
}
