package orchestrator

import "errors"

// Typed errors surfaced to callers. Every caller-facing operation returns
// one of these (or an inventory/slotmap sentinel) rather than an opaque
// fault.
var (
	// ErrValidation is returned for malformed requests. Not retryable
	// until the caller fixes the input.
	ErrValidation = errors.New("orchestrator: validation failed")

	// ErrOperationInFlight is returned when the same command kind is
	// already pending for the device.
	ErrOperationInFlight = errors.New("orchestrator: operation already in flight")

	// ErrConflict is returned when a refill targets a slot holding an
	// incompatible ingredient or one that is already full.
	ErrConflict = errors.New("orchestrator: slot conflict")

	// ErrTimeout is returned when the device does not acknowledge within
	// the configured window. Eager stock mutations are retained.
	ErrTimeout = errors.New("orchestrator: device did not acknowledge in time")

	// ErrPublishFailed is returned when the transport rejects the send.
	ErrPublishFailed = errors.New("orchestrator: publish failed")

	// ErrNotFound is returned when a referenced device or job is absent.
	ErrNotFound = errors.New("orchestrator: not found")
)
