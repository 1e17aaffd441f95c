package dispatch

import "fmt"

// ExecutionError wraps the failure of one unit execution.
type ExecutionError struct {
	Unit string
	Err  error
	// Panic is set when the unit panicked; Stack holds the goroutine stack then.
	Panic bool
	Stack string
}

func (e *ExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("unit %s panicked: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("unit %s: %v", e.Unit, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
