package proc

import (
	"ryos/kernel"
	"ryos/kernel/cpu"
	"ryos/kernel/hal"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm"
	"ryos/kernel/sync"
)

var (
	// ErrProcessTableFull is returned by Spawn when every slot is taken.
	ErrProcessTableFull = &kernel.Error{Module: "proc", Message: "process table is full"}

	// ErrNoSuchProcess is returned when a PID does not name a live process.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrInvalidTransition is returned when a state change is not allowed
	// by the process state machine.
	ErrInvalidTransition = &kernel.Error{Module: "proc", Message: "invalid process state transition"}

	// ErrHartBusy is returned by Dispatch when the hart already runs a
	// process.
	ErrHartBusy = &kernel.Error{Module: "proc", Message: "hart is already running a process"}

	errInvalidHart = &kernel.Error{Module: "proc", Message: "hart id out of range"}

	panicFn = kfmt.Panic

	// switchSATPFn is used by tests to observe satp writes.
	switchSATPFn = cpu.WriteSATP
)

// Table is the kernel process table. It owns every live process and the
// address space behind it. All methods are safe for concurrent use.
type Table struct {
	lock sync.Spinlock

	mem        *mm.PhysMem
	frames     mm.FrameAllocator
	layout     hal.ProcessLayout
	kernelSATP uint64
	kernelSP   uint64

	slots   [hal.MaxProcesses]*Process
	live    int
	nextPID PID
}

// NewTable returns an empty process table. Address spaces are built from
// frames handed out by the supplied allocator and laid out according to
// layout. Harts switch back to kernelSATP whenever they stop running a
// process; trap handlers run on the kernel stack whose top is kernelSP.
func NewTable(mem *mm.PhysMem, frames mm.FrameAllocator, layout hal.ProcessLayout, kernelSATP, kernelSP uint64) *Table {
	return &Table{
		mem:        mem,
		frames:     frames,
		layout:     layout,
		kernelSATP: kernelSATP,
		kernelSP:   kernelSP,
		nextPID:    1,
	}
}

// Spawn creates a waiting process whose code starts at physical address
// entry. Running out of frames returns the allocator error and leaves no
// trace of the partially built process.
func (t *Table) Spawn(entry uintptr) (*Process, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	slot := t.freeSlot()
	if slot < 0 {
		return nil, ErrProcessTableFull
	}

	p, err := newProcess(t.mem, t.frames, &t.layout, entry, t.nextPID)
	if err != nil {
		kfmt.Printf("[proc] unable to spawn process at 0x%x: %s\n", entry, err.Message)
		return nil, err
	}

	p.Frame.KernelSATP = t.kernelSATP
	p.Frame.KernelSP = t.kernelSP
	t.nextPID++
	t.slots[slot] = p
	t.live++

	return p, nil
}

// Get returns the live process with the given PID.
func (t *Table) Get(pid PID) (*Process, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	slot := t.slotOf(pid)
	if slot < 0 {
		return nil, ErrNoSuchProcess
	}

	return t.slots[slot], nil
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.live
}

// SetState moves a process to the next state. Moving a process to Dead
// tears down its address space and frees its slot.
func (t *Table) SetState(pid PID, next State) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	slot := t.slotOf(pid)
	if slot < 0 {
		return ErrNoSuchProcess
	}

	return t.transition(slot, next)
}

// Dispatch starts running a waiting process on the given hart and installs
// its address space on that hart. A hart record whose id lies outside the
// per-hart array is fatal.
func (t *Table) Dispatch(pid PID, hart *cpu.Hart) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	if !cpu.ValidHart(hart.ID) {
		kfmt.Printf("[proc] dispatch of pid %d on hart %d (max %d)\n", pid, hart.ID, cpu.MaxHarts)
		panicFn(errInvalidHart)
		return errInvalidHart
	}

	if !hart.Idle() {
		return ErrHartBusy
	}

	slot := t.slotOf(pid)
	if slot < 0 {
		return ErrNoSuchProcess
	}

	p := t.slots[slot]
	if err := t.transition(slot, Running); err != nil {
		return err
	}

	p.hart = hart
	p.Frame.KernelHartID = uint64(hart.ID)
	hart.CurrentProc = slot
	p.Root.Activate(hart.ID)

	return nil
}

// Release stops the process running on hart and moves it to next. The hart
// switches back to the kernel address space and becomes idle.
func (t *Table) Release(hart *cpu.Hart, next State) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	if hart.Idle() {
		return ErrNoSuchProcess
	}

	return t.transition(hart.CurrentProc, next)
}

// transition applies a state change to the process in slot. The caller
// must hold the table lock.
func (t *Table) transition(slot int, next State) *kernel.Error {
	p := t.slots[slot]
	if !p.State.CanTransitionTo(next) {
		return ErrInvalidTransition
	}

	if p.State == Running {
		t.detach(p)
	}

	p.State = next
	if next == Dead {
		t.reap(slot)
	}

	return nil
}

// Close tears down every live process whatever its state and returns how
// many were reaped. Harts running one of them switch back to the kernel
// address space. The table stays usable afterwards.
func (t *Table) Close() int {
	t.lock.Acquire()
	defer t.lock.Release()

	var reaped int
	for slot, p := range t.slots {
		if p == nil {
			continue
		}

		t.detach(p)
		p.State = Dead
		t.reap(slot)
		reaped++
	}

	if reaped > 0 {
		kfmt.Printf("[proc] reaped %d process(es)\n", reaped)
	}
	return reaped
}

// detach idles the hart running p. The hart must stop using the address
// space before it is torn down.
func (t *Table) detach(p *Process) {
	if p.hart == nil {
		return
	}

	switchSATPFn(p.hart.ID, t.kernelSATP)
	p.hart.CurrentProc = cpu.NoProcess
	p.hart = nil
}

// reap releases the address space of the dead process in slot.
func (t *Table) reap(slot int) {
	t.slots[slot].destroy(t.frames)
	t.slots[slot] = nil
	t.live--
}

func (t *Table) freeSlot() int {
	for slot := 0; slot < t.layout.MaxProcesses && slot < len(t.slots); slot++ {
		if t.slots[slot] == nil {
			return slot
		}
	}
	return -1
}

func (t *Table) slotOf(pid PID) int {
	for slot, p := range t.slots {
		if p != nil && p.PID == pid {
			return slot
		}
	}
	return -1
}
