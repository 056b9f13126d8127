package slotmap

// Slot describes one physical slot on a device.
type Slot struct {
	DeviceID    string
	SlotID      int64
	Name        string
	MaxCapacity float64
}

// Mapping binds an ingredient to a slot on one device.
type Mapping struct {
	DeviceID       string
	SlotID         int64
	IngredientID   int64
	IngredientName string
}

// SlotView is a joined read of a slot, its mapping and its current stock,
// used to answer inventory reads from local state.
type SlotView struct {
	SlotID         int64
	Name           string
	MaxCapacity    float64
	IngredientID   int64
	IngredientName string
	Amount         float64
}
