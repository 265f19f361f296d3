package engine

import (
	"errors"
	"fmt"
)

// Failure codes attached to step errors and converted into Result codes.
const (
	CodeInvariant = 500
	CodeGeneric   = 400
)

// StepError is a structured failure raised while driving or asserting one
// conversation step. It keeps the expected/actual framing and a computed
// payload diff so callers can inspect the root cause without string parsing.
type StepError struct {
	Message  string
	Expected any
	Actual   any
	Diff     string
	Code     int
	Cause    error
}

func (e *StepError) Error() string {
	if e.Expected == nil && e.Actual == nil {
		return e.Message
	}
	return fmt.Sprintf("%s (expected: %v, actual: %v)", e.Message, e.Expected, e.Actual)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// AsStepError extracts a *StepError from an error chain.
func AsStepError(err error) (*StepError, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr, true
	}
	return nil, false
}
