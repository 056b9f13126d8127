// Package slotmap tracks the physical slot layout of Moodrop devices and
// which ingredient each slot currently holds.
//
// Slot rows are created lazily: the first time a slot is seen, in a
// command request or a device snapshot, it is registered with INSERT OR
// IGNORE. Ingredient mappings are device-scoped and one-to-one per slot;
// remapping a slot replaces the previous ingredient.
package slotmap
