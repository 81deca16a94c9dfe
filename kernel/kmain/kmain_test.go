package kmain

import (
	"bytes"
	"strings"
	"testing"

	"ryos/kernel/cpu"
	"ryos/kernel/hal"
	"ryos/kernel/kfmt"
	"ryos/kernel/mm/pmm"
	"ryos/kernel/proc"
)

const testMachine = `
name: tiny
harts: 2
ram: { base: 0x80000000, size: 0x100000 }
layout:
  text:   { start: 0x80000000, end: 0x80004000 }
  rodata: { start: 0x80004000, end: 0x80005000 }
  data:   { start: 0x80005000, end: 0x80006000 }
  bss:    { start: 0x80006000, end: 0x80006000 }
  stack:  { start: 0x80006000, end: 0x80008000 }
  heap:   { start: 0x80008000, end: 0x80028000 }
devices:
  clint: { base: 0x02000000, size: 0x10000 }
  plic:  { base: 0x0c000000, size: 0x400000 }
  uart:  { base: 0x10000000, size: 0x1000 }
process:
  code_base: 0x20000000
  stack_base: 0x20100000
  stack_pages: 4
  max_processes: 8
`

func loadTestMachine(t *testing.T) *hal.Machine {
	t.Helper()

	m, err := hal.LoadMachine(strings.NewReader(testMachine))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBoot(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	k, err := Boot(loadTestMachine(t), &buf)
	if err != nil {
		t.Fatal(err)
	}

	if !k.Frames.Initialized() || k.KernelSpace == nil || k.Procs == nil {
		t.Fatal("expected every kernel component to be initialized")
	}

	// root + L1/L0 for the kernel image + L1 and four L0 tables for the
	// device windows.
	if exp, got := uint32(8), k.Frames.AllocCount(); got != exp {
		t.Fatalf("expected %d pages to be used by the kernel page table; got %d", exp, got)
	}

	for id := 0; id < 2; id++ {
		if got := cpu.ReadSATP(id); got != k.KernelSpace.SATP() {
			t.Errorf("[hart %d] expected satp 0x%x; got 0x%x", id, k.KernelSpace.SATP(), got)
		}

		if !k.Hart(id).Idle() || k.Hart(id).ID != id {
			t.Errorf("[hart %d] expected an idle hart record", id)
		}
	}

	p, kerr := k.Procs.Spawn(uintptr(k.Machine.Layout.Text.Start))
	if kerr != nil {
		t.Fatal(kerr)
	}

	if kerr = k.Procs.Dispatch(p.PID, k.Hart(1)); kerr != nil {
		t.Fatal(kerr)
	}

	if err = k.Close(); err != nil {
		t.Fatal(err)
	}

	if p.State != proc.Dead || !k.Hart(1).Idle() {
		t.Fatalf("expected Close to kill the running process; got state %s", p.State)
	}

	if got := k.Frames.AllocCount(); got != 0 {
		t.Fatalf("expected every page to be released; %d still allocated", got)
	}

	for _, exp := range []string{
		"[tiny] [kmain] booting on 2 hart(s)\n",
		"[tiny] [pmm] initializing page allocator\n",
		"[tiny] [pmm]   heap: 0x80008000..0x80028000\n",
		"[tiny] [vmm] satp=0x80000000000",
		"[tiny] [kmain] 24 free pages after kernel mappings\n",
		"[tiny] [kmain] shutdown: 0 pages still allocated\n",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected console output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestCloseReapsIdleProcesses(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	k, err := Boot(loadTestMachine(t), &buf)
	if err != nil {
		t.Fatal(err)
	}

	entry := uintptr(k.Machine.Layout.Text.Start)

	sleeper, kerr := k.Procs.Spawn(entry)
	if kerr != nil {
		t.Fatal(kerr)
	}

	if kerr = k.Procs.Dispatch(sleeper.PID, k.Hart(0)); kerr != nil {
		t.Fatal(kerr)
	}

	if kerr = k.Procs.Release(k.Hart(0), proc.Sleeping); kerr != nil {
		t.Fatal(kerr)
	}

	waiter, kerr := k.Procs.Spawn(entry)
	if kerr != nil {
		t.Fatal(kerr)
	}

	if exp := k.Machine.Layout.Stack.End; waiter.Frame.KernelSP != exp {
		t.Fatalf("expected trap frames to use the kernel stack top 0x%x; got 0x%x", exp, waiter.Frame.KernelSP)
	}

	if err = k.Close(); err != nil {
		t.Fatal(err)
	}

	if sleeper.State != proc.Dead || waiter.State != proc.Dead {
		t.Fatalf("expected both processes to be dead; got %s and %s", sleeper.State, waiter.State)
	}

	if got := k.Frames.AllocCount(); got != 0 {
		t.Fatalf("expected every page to be released; %d still allocated", got)
	}

	for id := 0; id < k.Machine.Harts; id++ {
		if got := cpu.ReadSATP(id); got != 0 {
			t.Errorf("[hart %d] expected translation to be off after Close; got satp 0x%x", id, got)
		}
	}

	if !strings.Contains(buf.String(), "[tiny] [proc] reaped 2 process(es)\n") {
		t.Fatalf("expected teardown to be logged; got:\n%s", buf.String())
	}
}

func TestBootOutOfMemory(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	m := loadTestMachine(t)
	m.Layout.Heap.End = m.Layout.Heap.Start + 0x2000

	var buf bytes.Buffer
	k, err := Boot(m, &buf)
	if err != pmm.ErrOutOfMemory || k != nil {
		t.Fatalf("expected Boot to fail with pmm.ErrOutOfMemory; got (%v, %v)", k, err)
	}
}

func TestBootInvalidMachine(t *testing.T) {
	m := loadTestMachine(t)
	m.Harts = 0

	if _, err := Boot(m, &bytes.Buffer{}); err == nil {
		t.Fatal("expected Boot to reject an invalid machine description")
	}
}
