package testutils

import (
	"sync/atomic"
	"unsafe"
)

// MockPageSize mirrors the page size and alignment contract of the root
// package without importing it.
const MockPageSize = 4096

// MockPagePool is a page provider backed by ordinary heap memory, with call
// counters for asserting page accounting in tests. Pages are aligned by
// over-allocating and slicing, since the Go heap gives no alignment control.
type MockPagePool struct {
	getCalls atomic.Int64
	putCalls atomic.Int64

	// retained pins the backing arrays of handed-out pages so the garbage
	// collector cannot reclaim them while raw pointers into them exist.
	retained [][]byte
}

func (p *MockPagePool) Get() []byte {
	p.getCalls.Add(1)
	buf := make([]byte, MockPageSize*2)
	p.retained = append(p.retained, buf)

	addr := uintptr(unsafe.Pointer(&buf[0]))
	off := 0
	if r := addr % MockPageSize; r != 0 {
		off = MockPageSize - int(r)
	}
	return buf[off : off+MockPageSize : off+MockPageSize]
}

func (p *MockPagePool) Put(page []byte) {
	p.putCalls.Add(1)
}

func (p *MockPagePool) Allocate(numPages int) {}

func (p *MockPagePool) GetCalls() int64 {
	return p.getCalls.Load()
}

func (p *MockPagePool) PutCalls() int64 {
	return p.putCalls.Load()
}

func (p *MockPagePool) PagesInUse() int64 {
	return p.GetCalls() - p.PutCalls()
}

func (p *MockPagePool) Reset() {
	p.getCalls.Store(0)
	p.putCalls.Store(0)
	p.retained = nil
}
