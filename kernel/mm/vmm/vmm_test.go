package vmm

import (
	"strings"
	"testing"

	"ryos/kernel/hal"
	"ryos/kernel/mm"
	"ryos/kernel/mm/pmm"
)

// testMachine describes a board with a 24 KiB kernel image followed by a
// heap of the requested size.
func testMachine(heapPages int) *hal.Machine {
	heapStart := uint64(0x80006000)
	heapEnd := heapStart + uint64(heapPages)*uint64(mm.PageSize)

	return &hal.Machine{
		Name:  "test",
		Harts: 1,
		RAM:   hal.Window{Base: 0x80000000, Size: heapEnd - 0x80000000},
		Layout: hal.Layout{
			Text:   hal.Region{Start: 0x80000000, End: 0x80002000},
			ROData: hal.Region{Start: 0x80002000, End: 0x80003000},
			Data:   hal.Region{Start: 0x80003000, End: 0x80004000},
			BSS:    hal.Region{Start: 0x80004000, End: 0x80004000},
			Stack:  hal.Region{Start: 0x80004000, End: 0x80006000},
			Heap:   hal.Region{Start: heapStart, End: heapEnd},
		},
		Devices: hal.Devices{
			UART:  hal.Window{Base: 0x10000000, Size: 0x1000},
			PLIC:  hal.Window{Base: 0x0c000000, Size: 0x400000},
			CLINT: hal.Window{Base: 0x02000000, Size: 0x10000},
			VirtIO: []hal.Window{
				{Base: 0x10001000, Size: 0x1000},
				{Base: 0x10001000, Size: 0x1000},
				{Base: 0x10002000, Size: 0x1000},
			},
		},
		Process: hal.ProcessLayout{CodeBase: 0x20000000, StackBase: 0x20100000, StackPages: 4, MaxProcesses: 8},
	}
}

func newTestKernelSpace(t *testing.T, m *hal.Machine, initAlloc bool) (*mm.PhysMem, *pmm.FreeListAllocator) {
	t.Helper()

	mem, err := mm.NewPhysMem(uintptr(m.RAM.Base), mm.Size(m.RAM.Size))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	alloc := new(pmm.FreeListAllocator)
	if initAlloc {
		alloc.Init(uintptr(m.Layout.Heap.Start), uintptr(m.Layout.Heap.End))
	}

	return mem, alloc
}

func mockSwitchSATP(t *testing.T) *[]uint64 {
	var writes []uint64
	origSwitchSATP := switchSATPFn
	switchSATPFn = func(hart int, value uint64) {
		if hart != 0 {
			t.Errorf("expected satp write on the boot hart; got hart %d", hart)
		}
		writes = append(writes, value)
	}
	t.Cleanup(func() { switchSATPFn = origSwitchSATP })
	return &writes
}

func TestInit(t *testing.T) {
	buf := captureOutput(t)
	writes := mockSwitchSATP(t)

	m := testMachine(16)
	mem, alloc := newTestKernelSpace(t, m, true)

	pt, err := Init(mem, alloc, m)
	if err != nil {
		t.Fatal(err)
	}

	if pt == nil {
		t.Fatal("expected Init to return the kernel page table")
	}

	if len(*writes) != 1 || (*writes)[0] != pt.SATP() {
		t.Fatalf("expected a single satp write of 0x%x; got %x", pt.SATP(), *writes)
	}

	specs := []struct {
		addr     uintptr
		expFlags PageTableEntryFlag
	}{
		{0x80000000, FlagRead | FlagExec},
		{0x80001abc, FlagRead | FlagExec},
		{0x80002000, FlagRead},
		{0x80003008, FlagRead | FlagWrite},
		{0x80005ff8, FlagRead | FlagWrite},
		{0x80006000, FlagRead | FlagWrite},
		{0x80015fff, FlagRead | FlagWrite},
		{0x10000000, FlagRead | FlagWrite},
		{0x10001004, FlagRead | FlagWrite},
		{0x10002000, FlagRead | FlagWrite},
		{0x0200bff8, FlagRead | FlagWrite},
		{0x0c000000, FlagRead | FlagWrite},
		{0x0c3ff000, FlagRead | FlagWrite},
	}

	for specIndex, spec := range specs {
		got, err := pt.Lookup(spec.addr)
		if err != nil || got != spec.addr {
			t.Errorf("[spec %d] expected identity mapping for 0x%x; got (0x%x, %v)", specIndex, spec.addr, got, err)
			continue
		}

		if leaf, level := leafFor(pt, spec.addr); level != 0 || leaf.flags != spec.expFlags {
			t.Errorf("[spec %d] expected 4 KiB leaf with flags 0x%x; got level %d flags 0x%x", specIndex, uint64(spec.expFlags), level, uint64(leaf.flags))
		}
	}

	for _, addr := range []uintptr{0x80016000, 0x10003000, 0x0c400000, 0x02010000, 0x20000000} {
		if _, err := pt.Lookup(addr); err != ErrInvalidMapping {
			t.Errorf("expected 0x%x to be unmapped; got %v", addr, err)
		}
	}

	// root; L1 + L0 for the kernel image; L1 for the low GiB with one L0
	// for the CLINT, two for the PLIC and one for UART and VirtIO.
	if exp, got := 8, pt.TablePages(); got != exp {
		t.Errorf("expected %d table pages; got %d", exp, got)
	}

	if exp, got := uint32(8), alloc.AllocCount(); got != exp {
		t.Errorf("expected %d allocated pages; got %d", exp, got)
	}

	for _, exp := range []string{
		"[vmm] initializing Sv39 page table\n",
		"[vmm] adding mappings for kernel memory\n",
		"[vmm] satp=0x80000000000",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got %q", exp, buf.String())
		}
	}
}

func TestInitAllocatorNotReady(t *testing.T) {
	buf := captureOutput(t)
	writes := mockSwitchSATP(t)

	m := testMachine(4)
	mem, alloc := newTestKernelSpace(t, m, false)

	pt, err := Init(mem, alloc, m)
	if err != nil || pt != nil {
		t.Fatalf("expected Init to soft-fail with (nil, nil); got (%v, %v)", pt, err)
	}

	if len(*writes) != 0 {
		t.Fatalf("expected translation to stay disabled; got satp writes %x", *writes)
	}

	if !strings.Contains(buf.String(), "page allocator must be initialized before the mmu") {
		t.Fatalf("expected soft-fail to be logged; got %q", buf.String())
	}
}

func TestInitOutOfMemory(t *testing.T) {
	buf := captureOutput(t)
	writes := mockSwitchSATP(t)

	m := testMachine(2)
	mem, alloc := newTestKernelSpace(t, m, true)

	pt, err := Init(mem, alloc, m)
	if err != pmm.ErrOutOfMemory || pt != nil {
		t.Fatalf("expected (nil, pmm.ErrOutOfMemory); got (%v, %v)", pt, err)
	}

	if got := alloc.AllocCount(); got != 0 {
		t.Fatalf("expected the partial kernel table to be released; %d pages still allocated", got)
	}

	if len(*writes) != 0 {
		t.Fatalf("expected translation to stay disabled; got satp writes %x", *writes)
	}

	if !strings.Contains(buf.String(), "[vmm] unable to map text [0x80000000, 0x80002000)") {
		t.Fatalf("expected failure to be logged; got %q", buf.String())
	}
}

func TestInitDefaultMachine(t *testing.T) {
	if testing.Short() {
		t.Skip("maps the whole qemu virt heap")
	}

	captureOutput(t)
	mockSwitchSATP(t)

	m := hal.DefaultMachine()
	mem, alloc := newTestKernelSpace(t, m, true)

	pt, err := Init(mem, alloc, m)
	if err != nil {
		t.Fatal(err)
	}

	// The heap spans 64 L0 tables under one L1. The low GiB needs an L1
	// plus one L0 for the CLINT, two for the PLIC and one for the UART and
	// VirtIO windows.
	if exp, got := 1+1+64+1+4, pt.TablePages(); got != exp {
		t.Fatalf("expected %d table pages; got %d", exp, got)
	}

	for _, w := range m.Devices.VirtIO {
		if got, err := pt.Lookup(uintptr(w.Base)); err != nil || got != uintptr(w.Base) {
			t.Errorf("expected virtio window 0x%x to be identity-mapped; got (0x%x, %v)", w.Base, got, err)
		}
	}
}

func TestKernelMappings(t *testing.T) {
	m := testMachine(4)

	var virtio int
	for _, mapping := range kernelMappings(m) {
		if mapping.name == "virtio" {
			virtio++
		}

		if mapping.flags&FlagWrite != 0 && mapping.flags&FlagExec != 0 {
			t.Errorf("%s: expected no mapping to be both writable and executable", mapping.name)
		}
	}

	if virtio != 2 {
		t.Fatalf("expected duplicate virtio windows to be mapped once; got %d mappings", virtio)
	}
}
