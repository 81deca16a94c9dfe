// Package cpu models the RISC-V hart primitives consumed by the kernel core:
// the per-hart records, the supervisor address translation and protection
// (satp) register and hart halting.
package cpu

import "sync/atomic"

// MaxHarts is the number of per-hart records the kernel reserves.
const MaxHarts = 4

const (
	// SatpModeShift is the bit position of the MODE field in satp.
	SatpModeShift = 60

	// SatpModeBare disables address translation.
	SatpModeBare = uint64(0)

	// SatpModeSv39 selects three-level, 39-bit virtual addressing.
	SatpModeSv39 = uint64(8)

	// SatpPPNMask selects the root table physical page number in satp.
	SatpPPNMask = uint64(1<<44) - 1
)

// NoProcess is stored in Hart.CurrentProc while a hart has nothing scheduled.
const NoProcess = -1

// Hart is the kernel's record for a single hardware thread.
type Hart struct {
	// ID is the value of mhartid for this hart.
	ID int

	// CurrentProc is the process table slot running on this hart or
	// NoProcess.
	CurrentProc int
}

// ValidHart returns true if id names one of the MaxHarts per-hart records.
// WriteSATP and ReadSATP expect a valid id; callers check it first.
func ValidHart(id int) bool {
	return id >= 0 && id < MaxHarts
}

// Idle returns true if no process is currently assigned to the hart.
func (h *Hart) Idle() bool {
	return h.CurrentProc == NoProcess
}

// HaltError is the value a halted hart unwinds with. Kernel code never
// recovers from it; the hosted entry point and tests do.
type HaltError struct{}

// Error implements the error interface.
func (*HaltError) Error() string {
	return "hart halted"
}

var (
	satp [MaxHarts]atomic.Uint64

	errHalted = &HaltError{}
)

// MakeSATP packs a translation mode and a root table physical page number
// into a satp value.
func MakeSATP(mode, rootPPN uint64) uint64 {
	return (mode << SatpModeShift) | (rootPPN & SatpPPNMask)
}

// WriteSATP installs value into the satp register of the given hart.
func WriteSATP(hart int, value uint64) {
	satp[hart].Store(value)
}

// ReadSATP returns the satp register of the given hart.
func ReadSATP(hart int) uint64 {
	return satp[hart].Load()
}

// Halt stops instruction execution. A hosted hart cannot park forever without
// wedging its caller so Halt unwinds the calling goroutine with *HaltError.
func Halt() {
	panic(errHalted)
}
