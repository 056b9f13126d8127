package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for job and job log persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Create inserts a CREATED job with its recipe line snapshot in one
	// transaction and returns the stored job.
	Create(ctx context.Context, deviceID string, totalVolume float64, lines []RecipeLine) (Job, error)

	// Get returns a job with its recipe lines.
	Get(ctx context.Context, jobID string) (Job, error)

	// UpdateStatus conditionally moves a job to the given status. The
	// write only lands when the current status allows the transition;
	// otherwise ErrInvalidTransition (or ErrNotFound) is returned.
	UpdateStatus(ctx context.Context, jobID string, to Status) error

	// FindActive returns the most recently created non-terminal job for a
	// device, or ErrNotFound.
	FindActive(ctx context.Context, deviceID string) (Job, error)

	// AppendLog appends an audit row and returns its id.
	AppendLog(ctx context.Context, e LogEntry) (int64, error)

	// PromoteLatestLog rewrites the event and detail of the most recent
	// log row for (device, cmd). Returns ErrNotFound when no row exists.
	PromoteLatestLog(ctx context.Context, deviceID, cmd, event, detail string) error

	// AttachJobToLatestLog sets the job id on the most recent log row for
	// (device, cmd), correlating a REQUESTED row with the job it spawned.
	AttachJobToLatestLog(ctx context.Context, deviceID, cmd, jobID string) error

	// Stats returns the dashboard summary for a device.
	Stats(ctx context.Context, deviceID string) (Stats, error)
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

// NewID generates a job identifier.
func NewID() string {
	return "mfj-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// Create inserts the job and its recipe lines in one transaction.
func (r *SQLiteRepository) Create(ctx context.Context, deviceID string, totalVolume float64, lines []RecipeLine) (Job, error) {
	if len(lines) == 0 {
		return Job{}, ErrNoRecipeLines
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	j := Job{
		ID:          NewID(),
		DeviceID:    deviceID,
		Status:      StatusCreated,
		TotalVolume: totalVolume,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mf_jobs (id, device_id, status, total_volume)
		VALUES (?, ?, ?, ?)`,
		j.ID, j.DeviceID, j.Status, j.TotalVolume)
	if err != nil {
		return Job{}, fmt.Errorf("inserting job: %w", err)
	}

	for i, l := range lines {
		l.LineNo = i + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mf_recipe_lines (job_id, line_no, slot_id, ingredient_id, ingredient_name, proportion)
			VALUES (?, ?, ?, ?, ?, ?)`,
			j.ID, l.LineNo, l.SlotID, l.IngredientID, l.IngredientName, l.Proportion)
		if err != nil {
			return Job{}, fmt.Errorf("inserting recipe line %d: %w", l.LineNo, err)
		}
		j.Lines = append(j.Lines, l)
	}

	err = tx.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM mf_jobs WHERE id = ?", j.ID).
		Scan(&timeScanner{&j.CreatedAt}, &timeScanner{&j.UpdatedAt})
	if err != nil {
		return Job{}, fmt.Errorf("reading job timestamps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing job create: %w", err)
	}
	return j, nil
}

// Get returns a job with its recipe lines.
func (r *SQLiteRepository) Get(ctx context.Context, jobID string) (Job, error) {
	var j Job
	err := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, status, total_volume, created_at, updated_at
		FROM mf_jobs WHERE id = ?`, jobID).
		Scan(&j.ID, &j.DeviceID, &j.Status, &j.TotalVolume,
			&timeScanner{&j.CreatedAt}, &timeScanner{&j.UpdatedAt})
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("reading job: %w", err)
	}

	if j.Lines, err = r.lines(ctx, jobID); err != nil {
		return Job{}, err
	}
	return j, nil
}

// UpdateStatus conditionally moves a job forward. The allowed source
// states are derived from the transition table, so the guard and the
// write are a single statement.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, jobID string, to Status) error {
	sources := sourcesOf(to)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no path to %s", ErrInvalidTransition, to)
	}

	args := []any{to, jobID}
	marks := make([]string, len(sources))
	for i, s := range sources {
		marks[i] = "?"
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE mf_jobs
		SET status = ?, updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now')
		WHERE id = ? AND status IN (%s)`, strings.Join(marks, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Distinguish a missing job from a guarded transition.
	var cur Status
	err = r.db.QueryRowContext(ctx, "SELECT status FROM mf_jobs WHERE id = ?", jobID).Scan(&cur)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("reading job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
}

// FindActive returns the most recent non-terminal job for a device.
func (r *SQLiteRepository) FindActive(ctx context.Context, deviceID string) (Job, error) {
	var jobID string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM mf_jobs
		WHERE device_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		deviceID, StatusCreated, StatusPrepare, StatusProgress).Scan(&jobID)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("%w: no active job for device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("finding active job: %w", err)
	}
	return r.Get(ctx, jobID)
}

// AppendLog appends an audit row.
func (r *SQLiteRepository) AppendLog(ctx context.Context, e LogEntry) (int64, error) {
	var jobID any
	if e.JobID != "" {
		jobID = e.JobID
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO job_logs (device_id, job_id, cmd, event, detail)
		VALUES (?, ?, ?, ?, ?)`,
		e.DeviceID, jobID, e.Cmd, e.Event, e.Detail)
	if err != nil {
		return 0, fmt.Errorf("appending job log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading log id: %w", err)
	}
	return id, nil
}

// PromoteLatestLog rewrites the most recent log row for (device, cmd).
func (r *SQLiteRepository) PromoteLatestLog(ctx context.Context, deviceID, cmd, event, detail string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_logs SET event = ?, detail = ?
		WHERE id = (
			SELECT id FROM job_logs
			WHERE device_id = ? AND cmd = ?
			ORDER BY id DESC LIMIT 1
		)`,
		event, detail, deviceID, cmd)
	if err != nil {
		return fmt.Errorf("promoting job log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no log for device %s cmd %s", ErrNotFound, deviceID, cmd)
	}
	return nil
}

// AttachJobToLatestLog correlates the most recent (device, cmd) log row
// with a job.
func (r *SQLiteRepository) AttachJobToLatestLog(ctx context.Context, deviceID, cmd, jobID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE job_logs SET job_id = ?
		WHERE id = (
			SELECT id FROM job_logs
			WHERE device_id = ? AND cmd = ?
			ORDER BY id DESC LIMIT 1
		)`,
		jobID, deviceID, cmd)
	if err != nil {
		return fmt.Errorf("attaching job to log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no log for device %s cmd %s", ErrNotFound, deviceID, cmd)
	}
	return nil
}

// Stats assembles the dashboard summary for one device.
func (r *SQLiteRepository) Stats(ctx context.Context, deviceID string) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(status = ?), 0)
		FROM mf_jobs WHERE device_id = ?`,
		StatusCompleted, deviceID).Scan(&s.TotalJobs, &s.CompletedJobs)
	if err != nil {
		return Stats{}, fmt.Errorf("counting jobs: %w", err)
	}
	if s.TotalJobs > 0 {
		s.SuccessRate = int(float64(s.CompletedJobs)*100/float64(s.TotalJobs) + 0.5)
	}

	// Elapsed time per job from the first PREPARE log to the COMPLETED
	// log; jobs missing either bound contribute nothing.
	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(strftime('%s', completed_at) - strftime('%s', started_at)), 0)
		FROM (
			SELECT MIN(CASE WHEN l.event = 'PREPARE' THEN l.created_at END) AS started_at,
			       MAX(CASE WHEN l.event = 'COMPLETED' THEN l.created_at END) AS completed_at
			FROM mf_jobs j
			LEFT JOIN job_logs l ON l.job_id = j.id
			WHERE j.device_id = ?
			GROUP BY j.id
		)
		WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
		deviceID).Scan(&s.TotalManufacturingSec)
	if err != nil {
		return Stats{}, fmt.Errorf("summing manufacturing time: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m', created_at) AS ym, COUNT(*)
		FROM mf_jobs WHERE device_id = ?
		GROUP BY ym ORDER BY ym`,
		deviceID)
	if err != nil {
		return Stats{}, fmt.Errorf("grouping monthly stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m MonthlyStat
		if err := rows.Scan(&m.Month, &m.JobCount); err != nil {
			return Stats{}, fmt.Errorf("scanning monthly stat: %w", err)
		}
		s.Monthly = append(s.Monthly, m)
	}
	return s, rows.Err()
}

func (r *SQLiteRepository) lines(ctx context.Context, jobID string) ([]RecipeLine, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT line_no, slot_id, ingredient_id, COALESCE(ingredient_name, ''), proportion
		FROM mf_recipe_lines WHERE job_id = ? ORDER BY line_no`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("reading recipe lines: %w", err)
	}
	defer rows.Close()

	var out []RecipeLine
	for rows.Next() {
		var l RecipeLine
		if err := rows.Scan(&l.LineNo, &l.SlotID, &l.IngredientID, &l.IngredientName, &l.Proportion); err != nil {
			return nil, fmt.Errorf("scanning recipe line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// timeScanner parses the RFC3339 TEXT timestamps the schema stores.
type timeScanner struct {
	t *time.Time
}

func (s *timeScanner) Scan(v any) error {
	raw, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected TEXT timestamp, got %T", v)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("parsing timestamp: %w", err)
	}
	*s.t = t
	return nil
}
