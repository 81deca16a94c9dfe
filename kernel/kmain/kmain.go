// Package kmain brings up the kernel memory subsystem in dependency order:
// console, physical memory, page allocator, kernel address space and the
// process table.
package kmain

import (
	"fmt"
	"io"

	"ryos/kernel"
	"ryos/kernel/cpu"
	"ryos/kernel/hal"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm"
	"ryos/kernel/mm/pmm"
	"ryos/kernel/mm/vmm"
	"ryos/kernel/proc"
)

var (
	errNoKernelSpace = &kernel.Error{Module: "kmain", Message: "kernel address space was not created"}
)

// Kernel is the boot-time context shared by every hart. It replaces the
// global allocator and page table singletons a freestanding kernel would use.
type Kernel struct {
	Machine     *hal.Machine
	Mem         *mm.PhysMem
	Frames      *pmm.FreeListAllocator
	KernelSpace *vmm.PageTable
	Procs       *proc.Table
	Harts       [cpu.MaxHarts]cpu.Hart
}

// Boot initializes the kernel on machine m and attaches console as the
// kernel console. The returned Kernel must be released with Close.
func Boot(m *hal.Machine, console io.Writer) (*Kernel, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	hal.InitTerminal(m, console)
	kfmt.Printf("[kmain] booting on %d hart(s)\n", m.Harts)

	mem, err := mm.NewPhysMem(uintptr(m.RAM.Base), mm.Size(m.RAM.Size))
	if err != nil {
		return nil, fmt.Errorf("reserve RAM: %w", err)
	}

	k := &Kernel{
		Machine: m,
		Mem:     mem,
		Frames:  new(pmm.FreeListAllocator),
	}

	k.Frames.Init(uintptr(m.Layout.Heap.Start), uintptr(m.Layout.Heap.End))
	k.Frames.PrintLayout(&m.Layout)

	var kerr *kernel.Error
	if k.KernelSpace, kerr = vmm.Init(mem, k.Frames, m); kerr != nil {
		_ = mem.Close()
		return nil, kerr
	} else if k.KernelSpace == nil {
		_ = mem.Close()
		return nil, errNoKernelSpace
	}

	k.Procs = proc.NewTable(mem, k.Frames, m.Process, k.KernelSpace.SATP(), m.Layout.Stack.End)

	for id := range k.Harts {
		k.Harts[id] = cpu.Hart{ID: id, CurrentProc: cpu.NoProcess}
		if id > 0 && id < m.Harts {
			k.KernelSpace.Activate(id)
		}
	}

	kfmt.Printf("[kmain] %d free pages after kernel mappings\n", k.Frames.FreeCount())
	return k, nil
}

// Hart returns the record of hart id.
func (k *Kernel) Hart(id int) *cpu.Hart {
	return &k.Harts[id]
}

// Close kills every live process, releases the kernel address space,
// turns translation off on every hart and unmaps RAM.
func (k *Kernel) Close() error {
	k.Procs.Close()

	if k.KernelSpace != nil {
		k.KernelSpace.Free()
		k.KernelSpace = nil
	}

	for id := 0; id < k.Machine.Harts; id++ {
		cpu.WriteSATP(id, cpu.MakeSATP(cpu.SatpModeBare, 0))
	}

	kfmt.Printf("[kmain] shutdown: %d pages still allocated\n", k.Frames.AllocCount())
	return k.Mem.Close()
}
