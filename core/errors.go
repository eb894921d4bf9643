package core

import (
	"errors"
	"fmt"
)

// ErrInvalidSchema is returned when a variable schema cannot be constructed.
var ErrInvalidSchema = errors.New("invalid variable schema")

// PreconditionError is the panic value raised when a caller hands the engine
// inputs that can only result from a programming error, such as a buffer set
// that does not cover its schema. These are never returned as errors.
type PreconditionError struct {
	Op  string
	Msg string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %s", e.Op, e.Msg)
}

// Precondition panics with a *PreconditionError when ok is false.
func Precondition(ok bool, op, format string, args ...any) {
	if ok {
		return
	}
	panic(&PreconditionError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
