package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means a sample source has no current value.
	ErrUnavailable = errors.New("controller: input unavailable")

	// ErrNotNumeric means a sample source value is not a finite number.
	ErrNotNumeric = errors.New("controller: input is not numeric")

	// ErrNotFound means a referenced input or output does not exist.
	ErrNotFound = errors.New("controller: target not found")

	// ErrRejected means the actuator refused a written value.
	ErrRejected = errors.New("controller: write rejected")

	// ErrOutOfRange means a requested setpoint lies outside the active bounds.
	ErrOutOfRange = errors.New("controller: value out of range")

	// ErrInvalidValue means a requested setpoint is infinite.
	ErrInvalidValue = errors.New("controller: invalid value")

	// ErrInvalidConfig means a Config failed validation.
	ErrInvalidConfig = errors.New("controller: invalid config")

	// ErrDisabled is returned by RunCycle when the controller is turned off.
	ErrDisabled = errors.New("controller: disabled")
)

// ValidationError is returned to the command layer when a set-value request
// is refused. It wraps ErrOutOfRange or ErrInvalidValue.
type ValidationError struct {
	Value   float64
	Min     float64
	Max     float64
	Wrapped error
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Wrapped, ErrOutOfRange) {
		return fmt.Sprintf("value %g is outside [%g, %g]", e.Value, e.Min, e.Max)
	}
	return fmt.Sprintf("value %g is not a finite number", e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Wrapped
}
