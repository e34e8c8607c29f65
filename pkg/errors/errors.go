// Package errors holds the engine's error values. Guest faults are not
// errors; they travel as ppc.Fault.
package errors

import (
	"errors"
	"fmt"
)

// ErrUnknownRegister is returned by register accessors for ids outside the
// register file.
var ErrUnknownRegister = errors.New("unknown register id")

// EngineError reports a broken engine invariant: corrupt block metadata, a
// decode-table index out of range, a failed cache allocation. None of these
// are recoverable.
type EngineError struct {
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *EngineError) Unwrap() error { return e.Cause }

// IsEngineError reports whether err, or anything it wraps, is an
// *EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// WrapEngineError marks err as fatal to the engine, prefixed by what was
// being attempted.
func WrapEngineError(err error, what string) *EngineError {
	return &EngineError{Message: what, Cause: err}
}

// EngineErrorf builds an engine error with no underlying cause.
func EngineErrorf(format string, args ...any) *EngineError {
	return &EngineError{Message: fmt.Sprintf(format, args...)}
}
