// Package inventory implements the stock ledger for Moodrop devices.
//
// Three records are kept in lockstep:
//
//   - device_stock: physical liquid amount per (device, slot)
//   - ingredient_inventory: aggregate amount per (device, ingredient)
//     regardless of slot
//   - stock_ledger: append-only history of every signed movement
//
// Stock is never read-modify-written in application code. Add and Consume
// mutate both aggregates and append the ledger row inside a single
// transaction, and Consume uses a conditional UPDATE (amount >= delta) so
// concurrent consumers cannot drive stock negative. The sum of ledger
// deltas for a key always equals the current aggregate value.
package inventory
