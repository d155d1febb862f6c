package store

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write contradicts recorded state,
	// such as a second operator verdict that differs from the first.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when a scan job status update
	// would move the job backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQuotaExceeded is returned by the atomic quota increment when the
	// subscription has no scans left in the current cycle.
	ErrQuotaExceeded = errors.New("quota exceeded")
)
