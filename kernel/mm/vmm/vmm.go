// Package vmm implements the Sv39 virtual memory management unit: the page
// table entry codec, three-level translation trees and the kernel address
// space set up at boot.
package vmm

import (
	"ryos/kernel"
	"ryos/kernel/hal"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm"
)

// KernelFrameSource is the frame allocator consumed by Init. Initialized
// reports whether the allocator can hand out frames yet.
type KernelFrameSource interface {
	mm.FrameAllocator
	Initialized() bool
}

// kernelMapping is an identity mapping installed by Init.
type kernelMapping struct {
	name  string
	start uint64
	end   uint64
	flags PageTableEntryFlag
}

// Init builds the kernel page table for machine m and installs it on the
// boot hart. Every kernel section, the heap and every device window are
// identity-mapped.
//
// If the frame allocator has not been initialized yet, Init logs the fact and
// returns a nil table without enabling translation; boot may proceed in bare
// mode.
func Init(mem *mm.PhysMem, frames KernelFrameSource, m *hal.Machine) (*PageTable, *kernel.Error) {
	kfmt.Printf("[vmm] initializing Sv39 page table\n")

	if !frames.Initialized() {
		kfmt.Printf("[vmm] page allocator must be initialized before the mmu; translation stays disabled\n")
		return nil, nil
	}

	pt, err := NewPageTable(mem, frames)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("[vmm] adding mappings for kernel memory\n")
	for _, mapping := range kernelMappings(m) {
		if mapping.end <= mapping.start {
			continue
		}

		if err = pt.MapRange(uintptr(mapping.start), uintptr(mapping.start), uintptr(mapping.end), mapping.flags); err != nil {
			kfmt.Printf("[vmm] unable to map %s [0x%x, 0x%x)\n", mapping.name, mapping.start, mapping.end)
			pt.Free()
			return nil, err
		}
	}

	pt.Activate(0)
	kfmt.Printf("[vmm] satp=0x%x\n", pt.SATP())

	return pt, nil
}

// kernelMappings lists the identity mappings of the kernel address space.
// Duplicate device windows are listed once.
func kernelMappings(m *hal.Machine) []kernelMapping {
	l := &m.Layout
	mappings := []kernelMapping{
		{"text", l.Text.Start, l.Text.End, FlagRead | FlagExec},
		{"rodata", l.ROData.Start, l.ROData.End, FlagRead},
		{"data", l.Data.Start, l.Data.End, FlagRead | FlagWrite},
		{"bss", l.BSS.Start, l.BSS.End, FlagRead | FlagWrite},
		{"stack", l.Stack.Start, l.Stack.End, FlagRead | FlagWrite},
		{"heap", l.Heap.Start, l.Heap.End, FlagRead | FlagWrite},
		{"uart", m.Devices.UART.Base, m.Devices.UART.End(), FlagRead | FlagWrite},
	}

	seen := make(map[hal.Window]bool)
	for _, w := range m.Devices.VirtIO {
		if seen[w] {
			continue
		}
		seen[w] = true
		mappings = append(mappings, kernelMapping{"virtio", w.Base, w.End(), FlagRead | FlagWrite})
	}

	return append(mappings,
		kernelMapping{"clint", m.Devices.CLINT.Base, m.Devices.CLINT.End(), FlagRead | FlagWrite},
		kernelMapping{"plic", m.Devices.PLIC.Base, m.Devices.PLIC.End(), FlagRead | FlagWrite},
	)
}
