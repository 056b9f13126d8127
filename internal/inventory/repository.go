package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository defines the interface for stock ledger persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Add credits stock to a slot and its ingredient aggregate, appends a
	// positive ledger row, and returns the new slot amount. All three
	// writes happen in one transaction.
	Add(ctx context.Context, deviceID string, ingredientID, slotID int64, delta float64, reason string) (float64, error)

	// Consume debits stock from a slot and its ingredient aggregate and
	// appends a negative ledger row. Returns ErrInsufficientStock, with no
	// mutation, when either balance would go negative.
	Consume(ctx context.Context, deviceID string, ingredientID, slotID int64, delta float64, reason string) error

	// UpsertStock overwrites the physical slot amount without touching the
	// ingredient aggregate or the ledger. Used only when reconciling
	// against a device-reported snapshot.
	UpsertStock(ctx context.Context, deviceID string, slotID int64, amount float64) error

	// SlotStock returns the physical amount for one slot, zero if the slot
	// has never held stock.
	SlotStock(ctx context.Context, deviceID string, slotID int64) (float64, error)

	// IngredientAmounts returns the aggregate inventory for the given
	// ingredients. Ingredients with no row are reported as zero.
	IngredientAmounts(ctx context.Context, deviceID string, ingredientIDs []int64) ([]IngredientAmount, error)

	// SlotAmounts returns the physical stock for every slot of the device.
	SlotAmounts(ctx context.Context, deviceID string) ([]SlotAmount, error)

	// SumDeltas returns the sum of ledger deltas for one
	// (device, ingredient) key.
	SumDeltas(ctx context.Context, deviceID string, ingredientID int64) (float64, error)

	// Entries returns the ledger rows for a device, oldest first.
	Entries(ctx context.Context, deviceID string) ([]Entry, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Add credits stock and appends a ledger row in one transaction.
func (r *SQLiteRepository) Add(ctx context.Context, deviceID string, ingredientID, slotID int64, delta float64, reason string) (float64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidDelta, delta)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning add transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_stock (device_id, slot_id, amount)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, slot_id) DO UPDATE SET amount = amount + excluded.amount`,
		deviceID, slotID, delta)
	if err != nil {
		return 0, fmt.Errorf("crediting slot stock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ingredient_inventory (device_id, ingredient_id, amount)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, ingredient_id) DO UPDATE SET amount = amount + excluded.amount`,
		deviceID, ingredientID, delta)
	if err != nil {
		return 0, fmt.Errorf("crediting ingredient inventory: %w", err)
	}

	if err := appendLedger(ctx, tx, deviceID, ingredientID, slotID, delta, reason); err != nil {
		return 0, err
	}

	var amount float64
	err = tx.QueryRowContext(ctx,
		"SELECT amount FROM device_stock WHERE device_id = ? AND slot_id = ?",
		deviceID, slotID).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("reading slot stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing add: %w", err)
	}
	return amount, nil
}

// Consume debits stock using conditional updates so the balance can never
// go negative, even under concurrent consumers.
func (r *SQLiteRepository) Consume(ctx context.Context, deviceID string, ingredientID, slotID int64, delta float64, reason string) error {
	if delta <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidDelta, delta)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning consume transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE device_stock SET amount = amount - ?
		WHERE device_id = ? AND slot_id = ? AND amount >= ?`,
		delta, deviceID, slotID, delta)
	if err != nil {
		return fmt.Errorf("debiting slot stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: slot %d needs %v", ErrInsufficientStock, slotID, delta)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE ingredient_inventory SET amount = amount - ?
		WHERE device_id = ? AND ingredient_id = ? AND amount >= ?`,
		delta, deviceID, ingredientID, delta)
	if err != nil {
		return fmt.Errorf("debiting ingredient inventory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: ingredient %d needs %v", ErrInsufficientStock, ingredientID, delta)
	}

	if err := appendLedger(ctx, tx, deviceID, ingredientID, slotID, -delta, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing consume: %w", err)
	}
	return nil
}

// UpsertStock overwrites the physical slot amount. Reconciliation only;
// bypasses the ledger on purpose.
func (r *SQLiteRepository) UpsertStock(ctx context.Context, deviceID string, slotID int64, amount float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_stock (device_id, slot_id, amount)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, slot_id) DO UPDATE SET amount = excluded.amount`,
		deviceID, slotID, amount)
	if err != nil {
		return fmt.Errorf("upserting slot stock: %w", err)
	}
	return nil
}

// SlotStock returns the physical amount for one slot.
func (r *SQLiteRepository) SlotStock(ctx context.Context, deviceID string, slotID int64) (float64, error) {
	var amount float64
	err := r.db.QueryRowContext(ctx,
		"SELECT amount FROM device_stock WHERE device_id = ? AND slot_id = ?",
		deviceID, slotID).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading slot stock: %w", err)
	}
	return amount, nil
}

// IngredientAmounts returns aggregate inventory readings in the order the
// ingredient ids were given.
func (r *SQLiteRepository) IngredientAmounts(ctx context.Context, deviceID string, ingredientIDs []int64) ([]IngredientAmount, error) {
	out := make([]IngredientAmount, 0, len(ingredientIDs))
	for _, id := range ingredientIDs {
		var amount float64
		err := r.db.QueryRowContext(ctx,
			"SELECT amount FROM ingredient_inventory WHERE device_id = ? AND ingredient_id = ?",
			deviceID, id).Scan(&amount)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("reading ingredient inventory: %w", err)
		}
		out = append(out, IngredientAmount{IngredientID: id, Amount: amount})
	}
	return out, nil
}

// SlotAmounts returns physical stock for every slot of the device.
func (r *SQLiteRepository) SlotAmounts(ctx context.Context, deviceID string) ([]SlotAmount, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT slot_id, amount FROM device_stock WHERE device_id = ? ORDER BY slot_id",
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing slot stock: %w", err)
	}
	defer rows.Close()

	var out []SlotAmount
	for rows.Next() {
		var s SlotAmount
		if err := rows.Scan(&s.SlotID, &s.Amount); err != nil {
			return nil, fmt.Errorf("scanning slot stock: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SumDeltas returns the sum of ledger deltas for an ingredient. With a
// consistent ledger this equals the ingredient_inventory amount.
func (r *SQLiteRepository) SumDeltas(ctx context.Context, deviceID string, ingredientID int64) (float64, error) {
	var sum float64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM stock_ledger
		WHERE device_id = ? AND ingredient_id = ?`,
		deviceID, ingredientID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing ledger deltas: %w", err)
	}
	return sum, nil
}

// Entries returns the ledger rows for a device, oldest first.
func (r *SQLiteRepository) Entries(ctx context.Context, deviceID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, ingredient_id, slot_id, delta, reason, created_at
		FROM stock_ledger WHERE device_id = ? ORDER BY id`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.IngredientID, &e.SlotID, &e.Delta, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parsing ledger timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendLedger(ctx context.Context, tx *sql.Tx, deviceID string, ingredientID, slotID int64, delta float64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (device_id, ingredient_id, slot_id, delta, reason)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, ingredientID, slotID, delta, reason)
	if err != nil {
		return fmt.Errorf("appending ledger row: %w", err)
	}
	return nil
}
