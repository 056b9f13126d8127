package slotmap

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository defines the interface for slot layout persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// EnsureSlot registers a slot if it is not known yet. Idempotent; an
	// existing row keeps its name and capacity.
	EnsureSlot(ctx context.Context, deviceID string, slotID int64, name string, maxCapacity float64) error

	// UpsertMapping binds an ingredient to a slot, replacing any previous
	// mapping for that slot.
	UpsertMapping(ctx context.Context, m Mapping) error

	// MappingBySlot returns the ingredient currently mapped to a slot.
	// Returns ErrNotFound when the slot is unmapped.
	MappingBySlot(ctx context.Context, deviceID string, slotID int64) (Mapping, error)

	// SlotByIngredient returns the slot holding an ingredient on a device.
	// Returns ErrMissingMapping when the ingredient is not loaded.
	SlotByIngredient(ctx context.Context, deviceID string, ingredientID int64) (int64, error)

	// MaxCapacity returns the capacity limit for a slot, zero if none is
	// recorded. Returns ErrNotFound for an unknown slot.
	MaxCapacity(ctx context.Context, deviceID string, slotID int64) (float64, error)

	// Snapshot returns every mapped slot of the device joined with its
	// current stock, ordered by slot id.
	Snapshot(ctx context.Context, deviceID string) ([]SlotView, error)
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

// EnsureSlot registers a slot if absent.
func (r *SQLiteRepository) EnsureSlot(ctx context.Context, deviceID string, slotID int64, name string, maxCapacity float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO device_slots (device_id, slot_id, name, max_capacity)
		VALUES (?, ?, ?, ?)`,
		deviceID, slotID, name, maxCapacity)
	if err != nil {
		return fmt.Errorf("ensuring slot: %w", err)
	}
	return nil
}

// UpsertMapping binds an ingredient to a slot.
func (r *SQLiteRepository) UpsertMapping(ctx context.Context, m Mapping) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO slot_ingredients (device_id, slot_id, ingredient_id, ingredient_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, slot_id) DO UPDATE SET
			ingredient_id   = excluded.ingredient_id,
			ingredient_name = excluded.ingredient_name,
			updated_at      = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
		m.DeviceID, m.SlotID, m.IngredientID, m.IngredientName)
	if err != nil {
		return fmt.Errorf("upserting slot mapping: %w", err)
	}
	return nil
}

// MappingBySlot returns the ingredient currently mapped to a slot.
func (r *SQLiteRepository) MappingBySlot(ctx context.Context, deviceID string, slotID int64) (Mapping, error) {
	m := Mapping{DeviceID: deviceID, SlotID: slotID}
	var name sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT ingredient_id, ingredient_name FROM slot_ingredients
		WHERE device_id = ? AND slot_id = ?`,
		deviceID, slotID).Scan(&m.IngredientID, &name)
	if err == sql.ErrNoRows {
		return Mapping{}, fmt.Errorf("%w: slot %d", ErrNotFound, slotID)
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("reading slot mapping: %w", err)
	}
	m.IngredientName = name.String
	return m, nil
}

// SlotByIngredient returns the slot holding an ingredient.
func (r *SQLiteRepository) SlotByIngredient(ctx context.Context, deviceID string, ingredientID int64) (int64, error) {
	var slotID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT slot_id FROM slot_ingredients
		WHERE device_id = ? AND ingredient_id = ?
		ORDER BY slot_id LIMIT 1`,
		deviceID, ingredientID).Scan(&slotID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: ingredient %d", ErrMissingMapping, ingredientID)
	}
	if err != nil {
		return 0, fmt.Errorf("resolving ingredient slot: %w", err)
	}
	return slotID, nil
}

// MaxCapacity returns the capacity limit for a slot.
func (r *SQLiteRepository) MaxCapacity(ctx context.Context, deviceID string, slotID int64) (float64, error) {
	var cap sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT max_capacity FROM device_slots
		WHERE device_id = ? AND slot_id = ?`,
		deviceID, slotID).Scan(&cap)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: slot %d", ErrNotFound, slotID)
	}
	if err != nil {
		return 0, fmt.Errorf("reading slot capacity: %w", err)
	}
	return cap.Float64, nil
}

// Snapshot joins slots, mappings and stock into a local inventory view.
func (r *SQLiteRepository) Snapshot(ctx context.Context, deviceID string) ([]SlotView, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.slot_id,
		       COALESCE(s.name, ''),
		       COALESCE(s.max_capacity, 0),
		       m.ingredient_id,
		       COALESCE(m.ingredient_name, ''),
		       COALESCE(st.amount, 0)
		FROM device_slots s
		JOIN slot_ingredients m
		  ON m.device_id = s.device_id AND m.slot_id = s.slot_id
		LEFT JOIN device_stock st
		  ON st.device_id = s.device_id AND st.slot_id = s.slot_id
		WHERE s.device_id = ?
		ORDER BY s.slot_id`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("reading slot snapshot: %w", err)
	}
	defer rows.Close()

	var out []SlotView
	for rows.Next() {
		var v SlotView
		if err := rows.Scan(&v.SlotID, &v.Name, &v.MaxCapacity, &v.IngredientID, &v.IngredientName, &v.Amount); err != nil {
			return nil, fmt.Errorf("scanning slot snapshot: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
