// Package kfmt implements the kernel console output path: formatted printing
// into a swappable sink, the early ring buffer that captures output before a
// sink is attached, and the kernel panic banner.
package kfmt

import (
	"fmt"
	"io"

	"ryos/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// the console sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock keeps lines printed by different harts from interleaving.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink. Before SetOutputSink is called the output is captured by a
// ring buffer holding the last ringBufferSize bytes.
//
// Kernel messages follow the "[module] message" convention, e.g.
//
//	kfmt.Printf("[pmm] heap: %d pages\n", count)
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	_, _ = fmt.Fprintf(w, format, args...)
}
