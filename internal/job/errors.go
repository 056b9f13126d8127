package job

import "errors"

var (
	// ErrNotFound is returned when a job or log row does not exist.
	ErrNotFound = errors.New("job: not found")

	// ErrInvalidTransition is returned when a status write would violate
	// the lifecycle, for example moving a COMPLETED job back to PREPARE.
	ErrInvalidTransition = errors.New("job: invalid status transition")

	// ErrNoRecipeLines is returned when a job is created without lines.
	ErrNoRecipeLines = errors.New("job: recipe needs at least one line")
)
