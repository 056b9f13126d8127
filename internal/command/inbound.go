package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message tags, lowercased on arrival. "check_response" is the
// historical acknowledgement tag for refill commands.
const (
	TagCheck     = "check"
	TagRefillAck = "check_response"
	TagStatus    = "status"
	TagConnect   = "connect"
)

// Device-reported blend outcomes carried in a status message.
const (
	StatusPossible   = "possible"
	StatusCompleted  = "completed"
	StatusImpossible = "impossible"
	StatusError      = "error"
)

// Inbound is a decoded device message. Which fields are populated depends
// on the tag: Slots for check snapshots, Status for refill acks and blend
// status reports.
type Inbound struct {
	Tag    string
	Status string
	Slots  []SlotReport
}

// SlotReport is one slot of a device inventory snapshot.
type SlotReport struct {
	SlotID       int64
	IngredientID int64
	Name         string
	Amount       float64
}

// Decode parses a raw device payload. The tag is lowercased; unknown tags
// are returned as-is for the caller to log and discard.
func Decode(payload []byte) (Inbound, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(payload, &root); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var tag string
	if raw, ok := root["CMD"]; ok {
		if err := json.Unmarshal(raw, &tag); err != nil {
			return Inbound{}, fmt.Errorf("%w: CMD is not a string", ErrBadPayload)
		}
	}
	if tag == "" {
		return Inbound{}, fmt.Errorf("%w: missing CMD", ErrBadPayload)
	}

	msg := Inbound{Tag: strings.ToLower(tag)}
	data := root["data"]

	switch msg.Tag {
	case TagCheck:
		msg.Slots = decodeSlotReports(data)
	case TagRefillAck, TagStatus:
		msg.Status = dataStatus(data)
	}
	return msg, nil
}

// dataStatus pulls data.status, tolerating a missing or non-object data
// field.
func dataStatus(data json.RawMessage) string {
	var obj struct {
		Status string `json:"status"`
	}
	if len(data) == 0 || json.Unmarshal(data, &obj) != nil {
		return ""
	}
	return obj.Status
}

// decodeSlotReports accepts either a bare array or an object wrapping the
// array under "ingredients" or "items".
func decodeSlotReports(data json.RawMessage) []SlotReport {
	if len(data) == 0 {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapper map[string]json.RawMessage
		if json.Unmarshal(data, &wrapper) != nil {
			return nil
		}
		inner, ok := wrapper["ingredients"]
		if !ok {
			inner = wrapper["items"]
		}
		if json.Unmarshal(inner, &items) != nil {
			return nil
		}
	}

	out := make([]SlotReport, 0, len(items))
	for _, raw := range items {
		var fields map[string]json.RawMessage
		if json.Unmarshal(raw, &fields) != nil {
			continue
		}
		out = append(out, SlotReport{
			SlotID:       numField(fields, "slotId", "SlotId"),
			IngredientID: numField(fields, "ingredientId", "noteId"),
			Name:         strField(fields, "name", "noteName"),
			Amount:       floatField(fields, "currentAmount", "amount", "capacity"),
		})
	}
	return out
}

func numField(fields map[string]json.RawMessage, keys ...string) int64 {
	for _, k := range keys {
		var v int64
		if raw, ok := fields[k]; ok && json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return 0
}

func floatField(fields map[string]json.RawMessage, keys ...string) float64 {
	for _, k := range keys {
		var v float64
		if raw, ok := fields[k]; ok && json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return 0
}

func strField(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var v string
		if raw, ok := fields[k]; ok && json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return ""
}
