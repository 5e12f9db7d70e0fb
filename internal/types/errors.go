package types

import (
	"errors"
	"fmt"
)

// ValidationError reports that a stage's required input is absent or invalid.
// Stage boundaries convert it into the stage's fallback output.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExternalCallError reports a timeout or non-success from the oracle, the
// context store, or the evidence source.
type ExternalCallError struct {
	Service string
	Op      string
	Status  int
	Err     error
}

func (e *ExternalCallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s failed with status %d: %v", e.Service, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// ParseError reports malformed structured text that the recovery ladder could
// not repair.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed for %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IntegrityError reports an unexpected shape in shared context, such as a list
// where a map was expected. The value is coerced to a safe default.
type IntegrityError struct {
	Field    string
	Expected string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s expected %s, got %s", e.Field, e.Expected, e.Got)
}

// ErrMissingInput is wrapped by ValidationError when a required value is empty.
var ErrMissingInput = errors.New("missing required input")

// Require returns a ValidationError when value is empty.
func Require(op, field, value string) error {
	if value == "" {
		return &ValidationError{Op: op, Err: fmt.Errorf("%w: %s", ErrMissingInput, field)}
	}
	return nil
}

// PanicError wraps a recovered panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("recovered panic: %v", e.Value)
}

// Safely runs fn and converts a panic into a PanicError.
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
