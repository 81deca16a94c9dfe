package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. The hosted console uses it to tag
// output with the name of the board.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the returned count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written              int
		startIndex, curIndex int
	)

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		if _, err := w.Sink.Write(w.Prefix); err != nil {
			return 0, err
		}
	}

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}

		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1

		if startIndex != len(p) {
			if _, err = w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
		}
	}

	if startIndex < curIndex {
		n, err := w.Sink.Write(p[startIndex:curIndex])
		written += n
		w.bytesAfterPrefix += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
