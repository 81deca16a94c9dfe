package kfmt

import (
	"ryos/kernel"
	"ryos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling hart. Panic is reserved for invariant violations that cannot be
// repaired locally, e.g. a corrupted free list or a malformed page table
// entry. Calls to Panic never return unless cpuHaltFn has been mocked.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
