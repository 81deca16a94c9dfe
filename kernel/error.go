package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so callers can compare them by identity; the memory
// subsystems report resource exhaustion this way instead of halting.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
