package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidParams signals a creation-time validation failure.
	ErrInvalidParams = errors.New("escrow: invalid parameters")
	// ErrUnauthorized signals the caller does not hold the required role.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState signals the operation is not permitted in the current state.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrDeadlineExpired signals a deposit or verification past its deadline.
	ErrDeadlineExpired = errors.New("escrow: deadline expired")
	// ErrAlreadyApproved signals a duplicate approval by the same role.
	ErrAlreadyApproved = errors.New("escrow: already approved")
	// ErrConditionsNotMet signals a release attempt without full approval quorum.
	ErrConditionsNotMet = errors.New("escrow: conditions not met")
	// ErrTransferFailed wraps failures reported by the value-transfer capability.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrInvariantViolated signals an internal consistency failure. It is not
	// recoverable and indicates a bug in creation-time validation.
	ErrInvariantViolated = errors.New("escrow: invariant violated")
)

// InvalidParamsError names the field that failed creation-time validation.
type InvalidParamsError struct {
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("escrow: invalid parameters: %s %s", e.Field, e.Reason)
}

func (e *InvalidParamsError) Unwrap() error { return ErrInvalidParams }

func invalidParam(field, reason string) error {
	return &InvalidParamsError{Field: field, Reason: reason}
}
