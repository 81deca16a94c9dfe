// Package pmm implements the physical page allocator that owns the kernel
// heap and hands it out one page at a time.
package pmm

import (
	"ryos/kernel"
	"ryos/kernel/hal"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm"
	"ryos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when the free list is empty.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errHeapSizeMismatch  = &kernel.Error{Module: "pmm", Message: "heap page count does not match heap size"}
	errAlreadyInit       = &kernel.Error{Module: "pmm", Message: "allocator initialized twice"}
	errMisalignedFree    = &kernel.Error{Module: "pmm", Message: "free of misaligned page address"}
	errFreeOutOfRange    = &kernel.Error{Module: "pmm", Message: "free of address outside the heap"}
	errDoubleFree        = &kernel.Error{Module: "pmm", Message: "free of a page that is not allocated"}
	errAllocatorNotReady = &kernel.Error{Module: "pmm", Message: "allocator used before Init"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// endOfList terminates the free list. Links store page index + 1 so that the
// zero value of an entry means "no successor".
const endOfList = 0

// FreeListAllocator hands out the pages of a contiguous heap region. Free
// pages are chained into a LIFO list kept in a side array indexed by page
// number relative to the heap start, so no page contents are ever
// reinterpreted. A per-page bitmap records which pages are checked out.
//
// All methods are safe for concurrent use by multiple harts.
type FreeListAllocator struct {
	lock sync.Spinlock

	// heapStart is the address of page index 0; heapEnd is the address
	// just past the last page.
	heapStart uintptr
	heapEnd   uintptr

	// next[i] holds the link of page i. head holds the link of the page
	// at the top of the list.
	next []uint32
	head uint32

	// allocBitmap has bit i set while page i is checked out.
	allocBitmap []uint64

	totalPages  uint32
	allocCount  uint32
	initialized bool
}

// Init partitions [heapStart, heapEnd) into pages and threads all of them
// onto the free list. It must be called exactly once, before any
// allocation. A heap whose page count does not match its size signals a
// misconfigured layout and is fatal.
func (alloc *FreeListAllocator) Init(heapStart, heapEnd uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.initialized {
		panicFn(errAlreadyInit)
		return
	}

	var (
		firstPage = mm.PageCeil(heapStart)
		pageCount uint32
	)
	for addr := firstPage; addr+mm.PageSize <= heapEnd && addr+mm.PageSize > addr; addr += mm.PageSize {
		pageCount++
	}

	if heapEnd < heapStart || uintptr(pageCount) != (heapEnd-heapStart)/mm.PageSize {
		kfmt.Printf("[pmm] heap [0x%x, 0x%x) yields %d pages\n", heapStart, heapEnd, pageCount)
		panicFn(errHeapSizeMismatch)
		return
	}

	alloc.heapStart = firstPage
	alloc.heapEnd = firstPage + uintptr(pageCount)<<mm.PageShift
	alloc.totalPages = pageCount
	alloc.allocCount = 0
	alloc.next = make([]uint32, pageCount)
	alloc.allocBitmap = make([]uint64, (pageCount+63)>>6)

	// Thread pages in ascending address order; the last page pushed (the
	// highest one) ends up at the head of the list.
	alloc.head = endOfList
	for index := uint32(0); index < pageCount; index++ {
		alloc.next[index] = alloc.head
		alloc.head = index + 1
	}

	alloc.initialized = true
}

// PrintLayout prints the kernel memory layout and the heap page count.
func (alloc *FreeListAllocator) PrintLayout(layout *hal.Layout) {
	kfmt.Printf("[pmm] initializing page allocator\n")
	for _, r := range layout.Regions() {
		kfmt.Printf("[pmm] %6s: 0x%x..0x%x\n", r.Name, r.Start, r.End)
	}
	kfmt.Printf("[pmm]         (%d pages)\n", alloc.TotalPages())
}

// Initialized returns true once Init has run.
func (alloc *FreeListAllocator) Initialized() bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.initialized
}

// AllocFrame pops the page at the head of the free list. It returns
// ErrOutOfMemory when no pages are left; exhaustion is never fatal.
func (alloc *FreeListAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.initialized {
		panicFn(errAllocatorNotReady)
		return mm.InvalidFrame, errAllocatorNotReady
	}

	if alloc.head == endOfList {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	index := alloc.head - 1
	alloc.head = alloc.next[index]
	alloc.next[index] = endOfList
	alloc.markFrame(index, markAllocated)
	alloc.allocCount++

	return mm.FrameFromAddress(alloc.heapStart + uintptr(index)<<mm.PageShift), nil
}

// FreeFrame returns frame f to the free list.
func (alloc *FreeListAllocator) FreeFrame(f mm.Frame) {
	alloc.Free(f.Address())
}

// Free pushes the page at physAddr onto the free list. Freeing a misaligned
// address, an address outside the heap or a page that is not currently
// allocated corrupts the free list and is therefore fatal.
func (alloc *FreeListAllocator) Free(physAddr uintptr) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var err *kernel.Error
	switch {
	case !mm.PageAligned(physAddr):
		err = errMisalignedFree
	case physAddr < alloc.heapStart || physAddr >= alloc.heapEnd:
		err = errFreeOutOfRange
	case !alloc.isAllocated(uint32((physAddr - alloc.heapStart) >> mm.PageShift)):
		err = errDoubleFree
	}

	if err != nil {
		kfmt.Printf("[pmm] free(0x%x): heap is [0x%x, 0x%x)\n", physAddr, alloc.heapStart, alloc.heapEnd)
		panicFn(err)
		return
	}

	index := uint32((physAddr - alloc.heapStart) >> mm.PageShift)
	alloc.markFrame(index, markFree)
	alloc.next[index] = alloc.head
	alloc.head = index + 1
	alloc.allocCount--
}

// TotalPages returns the number of pages managed by the allocator.
func (alloc *FreeListAllocator) TotalPages() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalPages
}

// AllocCount returns the number of pages currently checked out.
func (alloc *FreeListAllocator) AllocCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.allocCount
}

// FreeCount returns the number of pages on the free list.
func (alloc *FreeListAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalPages - alloc.allocCount
}

// HeapStart returns the address of the first heap page.
func (alloc *FreeListAllocator) HeapStart() uintptr { return alloc.heapStart }

// HeapEnd returns the address just past the last heap page.
func (alloc *FreeListAllocator) HeapEnd() uintptr { return alloc.heapEnd }

type markAs bool

const (
	markFree      markAs = false
	markAllocated markAs = true
)

// markFrame updates the allocation bitmap entry for the page at index.
func (alloc *FreeListAllocator) markFrame(index uint32, flag markAs) {
	block := index >> 6
	mask := uint64(1) << (63 - (index & 63))

	switch flag {
	case markFree:
		alloc.allocBitmap[block] &^= mask
	case markAllocated:
		alloc.allocBitmap[block] |= mask
	}
}

func (alloc *FreeListAllocator) isAllocated(index uint32) bool {
	return alloc.allocBitmap[index>>6]&(uint64(1)<<(63-(index&63))) != 0
}

// listLen walks the free list and returns its length.
func (alloc *FreeListAllocator) listLen() uint32 {
	var count uint32
	for link := alloc.head; link != endOfList; link = alloc.next[link-1] {
		count++
	}
	return count
}
