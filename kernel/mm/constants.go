package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift). Page
	// table entries have the same width.
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageOffsetMask selects the offset of an address inside its page.
	PageOffsetMask = PageSize - 1
)

// PageFloor rounds addr down to the nearest page boundary.
func PageFloor(addr uintptr) uintptr {
	return addr &^ PageOffsetMask
}

// PageCeil rounds addr up to the nearest page boundary.
func PageCeil(addr uintptr) uintptr {
	return (addr + PageOffsetMask) &^ PageOffsetMask
}

// PageAligned returns true if addr lies on a page boundary.
func PageAligned(addr uintptr) bool {
	return addr&PageOffsetMask == 0
}
