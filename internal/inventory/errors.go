package inventory

import "errors"

// Domain errors for the inventory package.
var (
	// ErrInsufficientStock is returned when a consumption cannot be
	// satisfied. No mutation has occurred when this is returned.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")

	// ErrInvalidDelta is returned when a zero or negative delta is passed
	// to Add or Consume.
	ErrInvalidDelta = errors.New("inventory: delta must be positive")
)
