package slotmap

import "errors"

var (
	// ErrNotFound is returned when a slot or mapping row does not exist.
	ErrNotFound = errors.New("slotmap: not found")

	// ErrMissingMapping is returned when an ingredient has no slot on the
	// device, so a command referencing it cannot be built.
	ErrMissingMapping = errors.New("slotmap: ingredient has no slot mapping")
)
