// Package hal describes the board the kernel runs on: the RAM window, the
// kernel image sections, the fixed MMIO device windows and the virtual layout
// of new processes. It also owns the console the kernel prints to.
package hal

import (
	"io"

	"ryos/kernel/kfmt"
)

// ActiveTerminal points to the currently active console. It is nil until
// InitTerminal runs.
var ActiveTerminal io.Writer

// InitTerminal attaches w as the kernel console. Every line is tagged with
// the board name and any output captured before this call is flushed to it.
func InitTerminal(m *Machine, w io.Writer) {
	ActiveTerminal = &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[" + m.Name + "] ")}
	kfmt.SetOutputSink(ActiveTerminal)
}
