package dispatch

import (
	"errors"
	"fmt"

	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/params"
)

var (
	// ErrNoEligibleEntities is returned when none of the selected entities
	// match the unit's origin types.
	ErrNoEligibleEntities = errors.New("dispatch: no selected entity matches the unit's origin types")

	ErrUnknownUnit = module.ErrUnknownUnit
)

// ParameterError reports a parameter that failed validation. The unit was
// not invoked.
type ParameterError = params.Error

// InvocationError reports a fault inside a unit: a returned error, a panic
// or a crashed plugin process.
type InvocationError struct {
	Unit  string
	Err   error
	Panic any
	Stack []byte
}

func (e *InvocationError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("resolution %s panicked: %v", e.Unit, e.Panic)
	}
	return fmt.Sprintf("resolution %s failed: %v", e.Unit, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
