package kernel

import (
	"errors"
	"testing"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "pmm",
		Message: "out of memory",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	var target error = err
	if !errors.Is(target, err) {
		t.Fatal("expected errors.Is to match the same *Error instance")
	}

	if errors.Is(target, &Error{Module: "pmm", Message: "out of memory"}) {
		t.Fatal("expected errors.Is to compare *Error values by identity")
	}
}
