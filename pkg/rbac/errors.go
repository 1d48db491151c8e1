package rbac

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure mode of the engine. Callers
// branch on these with errors.Is; the concrete error types below carry the
// detail.
var (
	// ErrConflict indicates an attempt to create a role or metadata record
	// that already exists.
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates an operation on a role or metadata record that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInput indicates a malformed request: bad entity reference shape,
	// unknown action or effect, missing fields.
	ErrInput = errors.New("invalid input")

	// ErrNotAllowed indicates a structurally valid mutation that violates
	// role provenance: the incoming source does not own the role.
	ErrNotAllowed = errors.New("not allowed")
)

// ConflictError reports an already-existing role or metadata record
type ConflictError struct {
	RoleEntityRef string
	Detail        string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %q: %s", ErrConflict.Error(), e.RoleEntityRef, e.Detail)
	}
	return fmt.Sprintf("%s: role metadata for %q already exists", ErrConflict.Error(), e.RoleEntityRef)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing role or metadata record
type NotFoundError struct {
	RoleEntityRef string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("role metadata for %q %s", e.RoleEntityRef, ErrNotFound.Error())
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InputError reports a malformed request with the specific validation reason
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInput.Error(), e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInput }

// NotAllowedError reports a provenance violation. OwningSource names the
// source that owns the role, so batch callers can log it and single-request
// callers can surface it verbatim.
type NotAllowedError struct {
	RoleEntityRef string
	OwningSource  Source
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("source does not match originating role %s, consider making changes to the %q source",
		e.RoleEntityRef, e.OwningSource)
}

func (e *NotAllowedError) Unwrap() error { return ErrNotAllowed }

// NewInputError builds an InputError from a format string
func NewInputError(format string, args ...interface{}) error {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}

// IsNotAllowed reports whether err is a provenance violation rather than a
// structural validation failure. Batch sources use this to decide between
// skip-and-log and hard failure.
func IsNotAllowed(err error) bool {
	return errors.Is(err, ErrNotAllowed)
}
