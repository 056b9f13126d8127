package job

import "time"

// Status is the lifecycle state of a manufacturing job.
type Status string

// Job lifecycle states. CANCELLED is reserved for manual cancellation and
// is never produced by device events.
const (
	StatusCreated   Status = "CREATED"
	StatusPrepare   Status = "PREPARE"
	StatusProgress  Status = "PROGRESS"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Log event tags. The log is append-only except that a REQUESTED row may
// be promoted to ACKED when the matching acknowledgement arrives.
const (
	EventRequested     = "REQUESTED"
	EventAcked         = "ACKED"
	EventPrepare       = "PREPARE"
	EventCompleted     = "COMPLETED"
	EventFailed        = "FAILED"
	EventTimeout       = "TIMEOUT"
	EventPublishFailed = "PUBLISH_FAILED"
	EventUnknown       = "UNKNOWN"
)

// Job is one manufacturing run on a device.
type Job struct {
	ID          string
	DeviceID    string
	Status      Status
	TotalVolume float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []RecipeLine
}

// RecipeLine is one ingredient of a job's recipe, snapshotted at creation.
type RecipeLine struct {
	LineNo         int
	SlotID         int64
	IngredientID   int64
	IngredientName string
	Proportion     float64
}

// LogEntry is one immutable audit row.
type LogEntry struct {
	ID        int64
	DeviceID  string
	JobID     string
	Cmd       string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Stats is the dashboard summary for one device.
type Stats struct {
	TotalJobs             int64
	CompletedJobs         int64
	SuccessRate           int
	TotalManufacturingSec int64
	Monthly               []MonthlyStat
}

// MonthlyStat counts jobs created in one calendar month.
type MonthlyStat struct {
	Month    string
	JobCount int64
}
