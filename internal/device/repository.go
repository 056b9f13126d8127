package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device endpoint persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// EnsureExists creates the endpoint row if absent. Idempotent.
	EnsureExists(ctx context.Context, deviceID string) error

	// Exists reports whether the endpoint row is present.
	Exists(ctx context.Context, deviceID string) (bool, error)

	// LastActivity returns the timestamp of the most recent job log entry
	// for the device. Returns ErrNotFound if the device has no activity.
	LastActivity(ctx context.Context, deviceID string) (time.Time, error)
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

// EnsureExists creates the endpoint row if absent.
func (r *SQLiteRepository) EnsureExists(ctx context.Context, deviceID string) error {
	query := `
		INSERT INTO device_endpoints (device_id, host)
		VALUES (?, '-')
		ON CONFLICT(device_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, deviceID); err != nil {
		return fmt.Errorf("ensuring device endpoint: %w", err)
	}
	return nil
}

// Exists reports whether the endpoint row is present.
func (r *SQLiteRepository) Exists(ctx context.Context, deviceID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM device_endpoints WHERE device_id = ?", deviceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking device exists: %w", err)
	}
	return count > 0, nil
}

// LastActivity returns the timestamp of the most recent job log entry.
func (r *SQLiteRepository) LastActivity(ctx context.Context, deviceID string) (time.Time, error) {
	var created string
	err := r.db.QueryRowContext(ctx, `
		SELECT created_at FROM job_logs
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, deviceID).Scan(&created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("querying last activity: %w", err)
	}

	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last activity timestamp: %w", err)
	}
	return t, nil
}
