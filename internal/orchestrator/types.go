package orchestrator

import (
	"time"

	"github.com/moodrop/moodrop-core/internal/job"
)

// RefillItem is one slot top-up request. Either SlotID or IngredientID
// may be omitted (zero); the missing side is resolved through the slot
// mapping.
type RefillItem struct {
	SlotID       int64
	IngredientID int64
	Name         string
	Amount       float64
}

// BlendItem is one recipe line of a blend request. Proportion is relative
// to the other lines, not a percentage.
type BlendItem struct {
	SlotID       int64
	IngredientID int64
	Name         string
	Proportion   int64
}

// IngredientSnapshot is an aggregate inventory reading returned by a
// refill acknowledgement.
type IngredientSnapshot struct {
	IngredientID int64
	Amount       float64
}

// SlotSnapshot is one slot of a device-reported inventory, returned by a
// check acknowledgement.
type SlotSnapshot struct {
	SlotID       int64
	IngredientID int64
	Name         string
	Amount       float64
}

// BlendResult is the terminal summary of a blend exchange. Status is
// COMPLETED or FAILED; Detail carries the device's reason on failure.
type BlendResult struct {
	JobID  string
	Status job.Status
	Detail string
}

// ConnectResult is the acknowledgement of a connectivity check.
type ConnectResult struct {
	DeviceID string
	Status   string
}

// DeviceStatus is a pure read of a device's current state. No pending
// operation is involved.
type DeviceStatus struct {
	DeviceID     string
	Operational  bool
	CurrentJobID string
	LastActivity time.Time
}
