package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource state forbids the requested change.
	ErrConflict = errors.New("conflict")
	// ErrPrecondition indicates a business precondition is not met.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvalidInput indicates the caller supplied malformed values.
	ErrInvalidInput = errors.New("invalid input")
)
