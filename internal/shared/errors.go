package shared

import "errors"

// Sentinel errors shared across modules. Domain packages wrap these with
// fmt.Errorf("...: %w", ...) so handlers can map outcomes without knowing the
// originating module.
var (
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or contradictory input, rejected
	// before any transaction opens.
	ErrValidation = errors.New("validation failed")
	// ErrAccessDenied indicates the acting principal lacks a permission.
	ErrAccessDenied = errors.New("access denied")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
