// Package apperrors defines the closed error taxonomy shared by the auction
// and payment engines. Domain packages wrap these sentinels with specific
// reasons; callers match with errors.Is.
package apperrors

import "errors"

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates the operation is not legal for the entity's
	// current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrExpired indicates a time-bound window has already passed.
	ErrExpired = errors.New("expired")
	// ErrConflict indicates an invariant-violating concurrent update, e.g. a
	// duplicate pending payment attempt or a lost guarded update.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
)
