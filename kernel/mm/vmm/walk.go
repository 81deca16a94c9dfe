package vmm

import "ryos/kernel/mm"

const (
	// pageLevels is the number of Sv39 translation levels. The root table
	// sits at level pageLevels-1 and 4 KiB leaves at level 0.
	pageLevels = 3

	// pageLevelBits is the number of virtual address bits consumed by each
	// level.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in a table page.
	entriesPerTable = 1 << pageLevelBits
)

// entryIndex returns the slice of virtAddr that indexes a table at level:
// bits 20:12 for level 0, 29:21 for level 1 and 38:30 for level 2.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> (mm.PageShift + pageLevelBits*uintptr(level))) & (entriesPerTable - 1)
}

// levelOffsetMask selects the bits of a virtual address that pass through
// unchanged when translation ends at a leaf on the given level.
func levelOffsetMask(level uint8) uintptr {
	return ^(^uintptr(0) << (mm.PageShift + pageLevelBits*uintptr(level)))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the physical address of the
// entry and its current contents. If the function returns false, then the
// page walk is aborted.
type pageTableWalker func(level uint8, entryAddr uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the root table. It calls the supplied walkFn with the page table entry that
// corresponds to each level. After walkFn returns true the entry is read
// again and the walk descends into the table it points to, which lets walkFn
// install missing tables on the way down.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	if !pt.root.Valid() {
		panicFn(errTableReleased)
		return
	}

	tableFrame := pt.root
	for level := int(pageLevels - 1); level >= 0; level-- {
		entryAddr := tableFrame.Address() + entryIndex(virtAddr, uint8(level))<<mm.PointerShift

		if !walkFn(uint8(level), entryAddr, pt.loadEntry(entryAddr)) {
			return
		}

		tableFrame = pt.loadEntry(entryAddr).Frame()
	}
}

// loadEntry reads the entry at physical address entryAddr.
func (pt *PageTable) loadEntry(entryAddr uintptr) pageTableEntry {
	return pageTableEntry(pt.mem.Read64(entryAddr))
}

// storeEntry writes pte to physical address entryAddr.
func (pt *PageTable) storeEntry(entryAddr uintptr, pte pageTableEntry) {
	pt.mem.Write64(entryAddr, uint64(pte))
}
