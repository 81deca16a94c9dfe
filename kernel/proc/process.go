// Package proc builds isolated address spaces for schedulable units and
// tracks them in the kernel process table.
package proc

import (
	"ryos/kernel"
	"ryos/kernel/cpu"
	"ryos/kernel/hal"
	"ryos/kernel/mm"
	"ryos/kernel/mm/vmm"
)

// regSP is the index of the stack pointer (x2) in TrapFrame.Regs.
const regSP = 2

const (
	stackFlags = vmm.FlagUser | vmm.FlagRead | vmm.FlagWrite
	codeFlags  = vmm.FlagUser | vmm.FlagRead | vmm.FlagExec
)

// PID identifies a process. PIDs start at 1 and are never reused.
type PID uint32

// TrapFrame holds the state saved when a process traps into the kernel and
// the kernel context the trap handler switches back to.
type TrapFrame struct {
	KernelSATP   uint64
	KernelSP     uint64
	EPC          uint64
	KernelHartID uint64
	Regs         [32]uint64
}

// Process is a schedulable unit with a private address space. The stack
// pages are tracked here, independently of the page table that maps them.
type Process struct {
	Frame TrapFrame
	Stack []mm.Frame
	PC    uintptr
	PID   PID
	Root  *vmm.PageTable
	State State

	// hart is the record of the hart running this process or nil.
	hart *cpu.Hart
}

// newProcess builds the address space of a process whose code starts at the
// physical address entry: a fresh root table, layout.StackPages cleared
// stack pages mapped user read/write at layout.StackBase and the code page
// mapped user read/execute at layout.CodeBase.
//
// If any allocation fails, everything allocated so far is released and the
// allocator error is returned.
func newProcess(mem *mm.PhysMem, frames mm.FrameAllocator, layout *hal.ProcessLayout, entry uintptr, pid PID) (*Process, *kernel.Error) {
	root, err := vmm.NewPageTable(mem, frames)
	if err != nil {
		return nil, err
	}

	p := &Process{
		PID:   pid,
		Root:  root,
		State: Waiting,
		PC:    uintptr(layout.CodeBase) + entry&mm.PageOffsetMask,
		Stack: make([]mm.Frame, 0, layout.StackPages),
	}

	stackPage := mm.PageFromAddress(uintptr(layout.StackBase))
	for page := 0; page < layout.StackPages; page++ {
		var frame mm.Frame
		if frame, err = frames.AllocFrame(); err != nil {
			p.destroy(frames)
			return nil, err
		}

		p.Stack = append(p.Stack, frame)
		mem.ZeroFrame(frame)

		if err = root.Map((stackPage + mm.Page(page)).Address(), frame.Address(), stackFlags, 0); err != nil {
			p.destroy(frames)
			return nil, err
		}
	}

	if err = root.Map(uintptr(layout.CodeBase), mm.PageFloor(entry), codeFlags, 0); err != nil {
		p.destroy(frames)
		return nil, err
	}

	p.Frame.Regs[regSP] = layout.StackTop()
	p.Frame.EPC = uint64(p.PC)

	return p, nil
}

// destroy releases the stack pages and then the page table tree. The code
// page is not owned by the process and is left alone.
func (p *Process) destroy(frames mm.FrameAllocator) {
	for _, frame := range p.Stack {
		frames.FreeFrame(frame)
	}
	p.Stack = nil

	if p.Root != nil {
		p.Root.Free()
		p.Root = nil
	}
}

// SP returns the initial user stack pointer.
func (p *Process) SP() uint64 {
	return p.Frame.Regs[regSP]
}
