package command

import (
	"encoding/json"
	"fmt"
)

// Outbound command kinds. "update" is the historical name for a refill.
const (
	KindUpdate      = "update"
	KindManufacture = "manufacture"
	KindCheck       = "check"
	KindConnect     = "connect"
)

// Command is the outbound envelope published to a device's command topic.
type Command struct {
	CMD     string   `json:"CMD"`
	Ethanol *Ethanol `json:"ethanol,omitempty"`
	Data    any      `json:"data,omitempty"`
}

// Ethanol is the diluent portion of a blend. Device firmware reads the
// amount from the "SlotId" key; the name is historical and fixed.
type Ethanol struct {
	Amount int64 `json:"SlotId"`
}

// UpdateItem is one slot refill instruction.
type UpdateItem struct {
	SlotID   int64   `json:"SlotId"`
	Capacity float64 `json:"capacity"`
}

// BlendItem is one recipe line of a manufacture command. Prop is a
// relative proportion, not a percentage.
type BlendItem struct {
	SlotID int64 `json:"SlotId"`
	Prop   int64 `json:"prop"`
}

// NewUpdate builds a refill command.
func NewUpdate(items []UpdateItem) (Command, error) {
	if len(items) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{CMD: KindUpdate, Data: items}, nil
}

// NewManufacture builds a blend command.
func NewManufacture(items []BlendItem, ethanol *Ethanol) (Command, error) {
	if len(items) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{CMD: KindManufacture, Ethanol: ethanol, Data: items}, nil
}

// NewCheck builds an inventory interrogation command.
func NewCheck() Command {
	return Command{CMD: KindCheck}
}

// NewConnect builds a connectivity check command.
func NewConnect() Command {
	return Command{CMD: KindConnect}
}

// Marshal serializes the command for publishing.
func (c Command) Marshal() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s command: %w", c.CMD, err)
	}
	return b, nil
}
