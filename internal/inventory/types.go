package inventory

import "time"

// Ledger reason tags. The ledger is append-only; the reason records why
// stock moved.
const (
	ReasonRefill       = "refill"
	ReasonBlendConsume = "blend-consume"
)

// Entry is one immutable ledger row.
type Entry struct {
	ID           int64
	DeviceID     string
	IngredientID int64
	SlotID       int64
	Delta        float64
	Reason       string
	CreatedAt    time.Time
}

// IngredientAmount is an aggregate inventory reading for one ingredient.
type IngredientAmount struct {
	IngredientID int64
	Amount       float64
}

// SlotAmount is a physical stock reading for one slot.
type SlotAmount struct {
	SlotID int64
	Amount float64
}
