package mm

import (
	"encoding/binary"
	"fmt"

	"ryos/kernel"
	"ryos/kernel/kfmt"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errAccessOutOfRange = &kernel.Error{Module: "mm", Message: "physical memory access outside RAM"}
)

// PhysMem is the machine's RAM window. Page tables, free pages and process
// stacks all live inside it and are addressed by physical address.
type PhysMem struct {
	base    uintptr
	data    []byte
	release func([]byte) error
}

// NewPhysMem reserves size bytes of RAM starting at physical address base.
// Both base and size must be page-aligned.
func NewPhysMem(base uintptr, size Size) (*PhysMem, error) {
	if !PageAligned(base) || !PageAligned(uintptr(size)) || size == 0 {
		return nil, fmt.Errorf("ram window [0x%x, +0x%x) is not page-aligned", base, uint64(size))
	}

	if base+uintptr(size) < base {
		return nil, fmt.Errorf("ram window [0x%x, +0x%x) overflows the address space", base, uint64(size))
	}

	data, release, err := mapRAM(int(size))
	if err != nil {
		return nil, fmt.Errorf("reserve ram window: %w", err)
	}

	return &PhysMem{base: base, data: data, release: release}, nil
}

// Close releases the memory backing the RAM window.
func (m *PhysMem) Close() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	return m.release(data)
}

// Base returns the physical address of the first RAM byte.
func (m *PhysMem) Base() uintptr { return m.base }

// End returns the physical address just past the last RAM byte.
func (m *PhysMem) End() uintptr { return m.base + uintptr(len(m.data)) }

// Size returns the RAM window size.
func (m *PhysMem) Size() Size { return Size(len(m.data)) }

// Contains returns true if [addr, addr+size) lies entirely in RAM.
func (m *PhysMem) Contains(addr uintptr, size Size) bool {
	return addr >= m.base && addr <= m.End() && uintptr(size) <= m.End()-addr
}

// Read64 loads the little-endian 64-bit word at physical address addr.
func (m *PhysMem) Read64(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.window(addr, 8))
}

// Write64 stores value as a little-endian 64-bit word at physical address addr.
func (m *PhysMem) Write64(addr uintptr, value uint64) {
	binary.LittleEndian.PutUint64(m.window(addr, 8), value)
}

// Memset sets size bytes at the given physical address to the supplied value.
// Instead of using a for loop, this function uses log2(size) copy calls
// which should give us a speed boost as page addresses are always aligned.
func (m *PhysMem) Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := m.window(addr, size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// ZeroFrame clears the contents of a physical frame.
func (m *PhysMem) ZeroFrame(f Frame) {
	m.Memset(f.Address(), 0, Size(PageSize))
}

// window returns the bytes backing [addr, addr+size). An access outside RAM
// means a corrupted table or free list and halts the hart.
func (m *PhysMem) window(addr uintptr, size Size) []byte {
	if !m.Contains(addr, size) {
		kfmt.Printf("[mm] access to [0x%x, +0x%x) outside ram [0x%x, 0x%x)\n", addr, uint64(size), m.base, m.End())
		panicFn(errAccessOutOfRange)
		return nil
	}

	offset := addr - m.base
	return m.data[offset : offset+uintptr(size)]
}
