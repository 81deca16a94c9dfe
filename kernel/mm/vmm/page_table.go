package vmm

import (
	"ryos/kernel"
	"ryos/kernel/cpu"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm"
	"ryos/kernel/sync"
)

var (
	// ErrSuperpageConflict is returned by Map when the requested mapping
	// would descend through, or replace, an entry that maps a page of a
	// different size.
	ErrSuperpageConflict = &kernel.Error{Module: "vmm", Message: "mapping conflicts with an existing page of a different size"}

	errInvalidFlags  = &kernel.Error{Module: "vmm", Message: "map flags set reserved, page number or memory type bits"}
	errInvalidLevel  = &kernel.Error{Module: "vmm", Message: "map level must be 0, 1 or 2"}
	errFlagsNotLeaf  = &kernel.Error{Module: "vmm", Message: "map flags must set at least one of R, W or X"}
	errEmptyRange    = &kernel.Error{Module: "vmm", Message: "map range end must be above its start"}
	errTableReleased = &kernel.Error{Module: "vmm", Message: "page table used after Free"}
	errInvalidHart   = &kernel.Error{Module: "vmm", Message: "hart id out of range"}

	// switchSATPFn is used by tests to observe satp writes.
	switchSATPFn = cpu.WriteSATP
)

// PageTable is the root of a three-level Sv39 translation tree. Every table
// page in the tree is obtained from, and eventually returned to, the frame
// allocator the table was created with. Data pages referenced by leaf
// entries are never owned by the tree.
//
// All methods are safe for concurrent use.
type PageTable struct {
	lock sync.Spinlock

	mem    *mm.PhysMem
	frames mm.FrameAllocator
	root   mm.Frame
}

// NewPageTable allocates and clears a root table page.
func NewPageTable(mem *mm.PhysMem, frames mm.FrameAllocator) (*PageTable, *kernel.Error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	mem.ZeroFrame(root)
	return &PageTable{mem: mem, frames: frames, root: root}, nil
}

// Root returns the frame that holds the root table.
func (pt *PageTable) Root() mm.Frame {
	pt.lock.Acquire()
	defer pt.lock.Release()

	return pt.root
}

// SATP returns the satp value that selects this table in Sv39 mode.
func (pt *PageTable) SATP() uint64 {
	return cpu.MakeSATP(cpu.SatpModeSv39, uint64(pt.Root()))
}

// Activate installs this table as the translation root of the given hart.
// Other harts keep their current root; no remote TLB flush is performed.
// An id outside the per-hart record array is fatal.
func (pt *PageTable) Activate(hart int) {
	if !cpu.ValidHart(hart) {
		kfmt.Printf("[vmm] activate on hart %d (max %d)\n", hart, cpu.MaxHarts)
		panicFn(errInvalidHart)
		return
	}

	switchSATPFn(hart, pt.SATP())
}

// Map upserts a translation from virtAddr to physAddr. The level selects the
// leaf granularity: 0 for 4 KiB pages, 1 for 2 MiB and 2 for 1 GiB. Missing
// intermediate tables are allocated and cleared on the way down.
//
// The upsert only replaces a leaf of the same size. Map returns
// ErrSuperpageConflict instead of descending through a larger leaf, or
// instead of replacing a child table with a leaf, which would orphan the
// tables below it.
//
// Malformed flags or an out-of-range level are fatal. Running out of frames
// for an intermediate table is reported as the allocator's error.
func (pt *PageTable) Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag, level uint8) *kernel.Error {
	pt.lock.Acquire()
	defer pt.lock.Release()

	return pt.mapLocked(virtAddr, physAddr, flags, level)
}

func (pt *PageTable) mapLocked(virtAddr, physAddr uintptr, flags PageTableEntryFlag, level uint8) *kernel.Error {
	var fatal *kernel.Error
	switch {
	case flags&(ptePhysPageMask|pteReserved|ptePBMT|pteNAPOT) != 0:
		fatal = errInvalidFlags
	case level >= pageLevels:
		fatal = errInvalidLevel
	case flags&FlagRWX == 0:
		fatal = errFlagsNotLeaf
	}

	if fatal != nil {
		kfmt.Printf("[vmm] map(0x%x, 0x%x, flags=0x%x, level=%d)\n", virtAddr, physAddr, uint64(flags), level)
		panicFn(fatal)
		return fatal
	}

	var (
		err   *kernel.Error
		frame = mm.FrameFromAddress(physAddr)
	)

	pt.walk(virtAddr, func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool {
		cur := decodeEntry(pte)

		if pteLevel == level {
			switch {
			case cur.kind == entryPointer:
				err = ErrSuperpageConflict
				return false
			case cur.kind == entryLeaf && cur.frame != frame:
				kfmt.Printf("[vmm] overwriting vaddr 0x%x mapping 0x%x -> 0x%x\n", virtAddr, cur.frame.Address(), physAddr)
			}

			pt.storeEntry(entryAddr, entry{kind: entryLeaf, frame: frame, flags: flags}.encode())
			return false
		}

		switch cur.kind {
		case entryLeaf:
			err = ErrSuperpageConflict
			return false
		case entryInvalid:
			var tableFrame mm.Frame
			if tableFrame, err = pt.frames.AllocFrame(); err != nil {
				return false
			}

			pt.mem.ZeroFrame(tableFrame)
			pt.storeEntry(entryAddr, entry{kind: entryPointer, frame: tableFrame}.encode())
		}

		return true
	})

	return err
}

// MapRange maps the page-aligned interval covering [physStart, physEnd) with
// 4 KiB pages starting at virtAddr. The range must not be empty.
func (pt *PageTable) MapRange(virtAddr, physStart, physEnd uintptr, flags PageTableEntryFlag) *kernel.Error {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if physEnd <= physStart {
		kfmt.Printf("[vmm] map range [0x%x, 0x%x)\n", physStart, physEnd)
		panicFn(errEmptyRange)
		return errEmptyRange
	}

	for physAddr := mm.PageFloor(physStart); physAddr < mm.PageCeil(physEnd); physAddr += mm.PageSize {
		if err := pt.mapLocked(virtAddr, physAddr, flags, 0); err != nil {
			return err
		}
		virtAddr += mm.PageSize
	}

	return nil
}

// Lookup translates virtAddr by walking the tree. The low bits of virtAddr
// are carried over as the offset into the leaf page, whose size depends on
// the level at which the walk ended. Lookup returns ErrInvalidMapping if no
// leaf maps the address.
func (pt *PageTable) Lookup(virtAddr uintptr) (uintptr, *kernel.Error) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	pt.walk(virtAddr, func(pteLevel uint8, _ uintptr, pte pageTableEntry) bool {
		switch cur := decodeEntry(pte); cur.kind {
		case entryInvalid:
			return false
		case entryLeaf:
			physAddr = cur.frame.Address() | (virtAddr & levelOffsetMask(pteLevel))
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Unmap invalidates the leaf that maps virtAddr. The data page it referenced is
// left untouched; intermediate tables stay in place until Free.
func (pt *PageTable) Unmap(virtAddr uintptr) *kernel.Error {
	pt.lock.Acquire()
	defer pt.lock.Release()

	err := ErrInvalidMapping

	pt.walk(virtAddr, func(_ uint8, entryAddr uintptr, pte pageTableEntry) bool {
		switch decodeEntry(pte).kind {
		case entryInvalid:
			return false
		case entryLeaf:
			pte.ClearFlags(FlagValid)
			pt.storeEntry(entryAddr, pte)
			err = nil
			return false
		}

		return true
	})

	return err
}

// Free returns every table page of the tree to the frame allocator, children
// before their parent. Pages referenced by leaf entries belong to whoever
// allocated them and are not freed. The table cannot be used afterwards.
func (pt *PageTable) Free() {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if !pt.root.Valid() {
		panicFn(errTableReleased)
		return
	}

	pt.freeTable(pt.root, pageLevels-1)
	pt.root = mm.InvalidFrame
}

func (pt *PageTable) freeTable(table mm.Frame, level uint8) {
	for index := uintptr(0); index < entriesPerTable; index++ {
		cur := decodeEntry(pt.loadEntry(table.Address() + index<<mm.PointerShift))

		// A pointer entry at level 0 is malformed; nothing below it is
		// a table.
		if cur.kind == entryPointer && level > 0 {
			pt.freeTable(cur.frame, level-1)
		}
	}

	pt.frames.FreeFrame(table)
}

// TablePages returns the number of table pages in the tree, the root
// included.
func (pt *PageTable) TablePages() int {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if !pt.root.Valid() {
		return 0
	}

	return pt.countTables(pt.root, pageLevels-1)
}

func (pt *PageTable) countTables(table mm.Frame, level uint8) int {
	count := 1
	for index := uintptr(0); index < entriesPerTable; index++ {
		cur := decodeEntry(pt.loadEntry(table.Address() + index<<mm.PointerShift))
		if cur.kind == entryPointer && level > 0 {
			count += pt.countTables(cur.frame, level-1)
		}
	}
	return count
}
