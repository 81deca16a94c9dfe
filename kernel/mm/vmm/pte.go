package vmm

import (
	"ryos/kernel"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errPPNOverflow = &kernel.Error{Module: "vmm", Message: "physical page number does not fit in a page table entry"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// Sv39 page table entry flags.
const (
	FlagValid PageTableEntryFlag = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty

	// FlagRWX is the set of permission bits that turns an entry into a leaf.
	FlagRWX = FlagRead | FlagWrite | FlagExec
)

const (
	// ptePhysPageMask selects the 44-bit physical page number field.
	ptePhysPageMask = PageTableEntryFlag(0xfffffffffff << ptePhysPageShift)

	// pteReserved must be zero; it is kept for future standard use.
	pteReserved = PageTableEntryFlag(0x7f << 54)

	// ptePBMT selects Svpbmt memory types, which are not supported.
	ptePBMT = PageTableEntryFlag(0b11 << 61)

	// pteNAPOT marks Svnapot contiguous mappings.
	pteNAPOT = PageTableEntryFlag(1 << 63)

	// pteFlagMask selects every bit below the physical page number.
	pteFlagMask = PageTableEntryFlag(1<<ptePhysPageShift) - 1

	ptePhysPageShift = 10
	ptePhysPageBits  = 44
)

// pageTableEntry is the raw 64-bit Sv39 entry as stored in a table page.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & uint64(ptePhysPageMask)) >> ptePhysPageShift)
}

// SetFrame updates the page table entry to point to the given physical
// frame. A frame number wider than the 44-bit field is fatal.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	if uint64(frame)>>ptePhysPageBits != 0 {
		kfmt.Printf("[vmm] frame 0x%x exceeds %d bits\n", uint64(frame), ptePhysPageBits)
		panicFn(errPPNOverflow)
		return
	}

	*pte = (pageTableEntry)((uint64(*pte) &^ uint64(ptePhysPageMask)) | uint64(frame)<<ptePhysPageShift)
}

// Valid returns true if the entry takes part in translation.
func (pte pageTableEntry) Valid() bool {
	return pte.HasFlags(FlagValid)
}

// Leaf returns true if the entry has at least one permission bit set.
func (pte pageTableEntry) Leaf() bool {
	return pte.HasAnyFlag(FlagRWX)
}

// entryKind classifies a decoded page table entry.
type entryKind uint8

const (
	entryInvalid entryKind = iota
	entryLeaf
	entryPointer
)

func (k entryKind) String() string {
	switch k {
	case entryLeaf:
		return "leaf"
	case entryPointer:
		return "pointer"
	default:
		return "invalid"
	}
}

// entry is the decoded form of a page table entry. Leaf entries reference a
// data page and carry its permissions; pointer entries reference the child
// table page and carry no permissions.
type entry struct {
	kind  entryKind
	frame mm.Frame
	flags PageTableEntryFlag
}

// decodeEntry classifies a raw entry. Flags are reported without FlagValid.
func decodeEntry(pte pageTableEntry) entry {
	switch {
	case !pte.Valid():
		return entry{kind: entryInvalid}
	case pte.Leaf():
		return entry{
			kind:  entryLeaf,
			frame: pte.Frame(),
			flags: PageTableEntryFlag(pte) & pteFlagMask &^ FlagValid,
		}
	default:
		return entry{kind: entryPointer, frame: pte.Frame()}
	}
}

// encode returns the raw form of e.
func (e entry) encode() pageTableEntry {
	var pte pageTableEntry

	switch e.kind {
	case entryLeaf:
		pte.SetFrame(e.frame)
		pte.SetFlags(FlagValid | (e.flags & pteFlagMask))
	case entryPointer:
		pte.SetFrame(e.frame)
		pte.SetFlags(FlagValid)
	}

	return pte
}
