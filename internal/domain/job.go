package domain

import "time"

// JobStatus represents the status of an ingestion job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer change status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Counters are the per-job outcome counts. Every file ends in exactly one of
// Processed, Cached, Failed or Duplicates.
type Counters struct {
	TotalFiles int64 `json:"total_files"`
	Processed  int64 `json:"processed"`
	Cached     int64 `json:"cached"`
	Failed     int64 `json:"failed"`
	Duplicates int64 `json:"duplicates"`
}

// Done returns the number of files that reached a terminal outcome.
func (c Counters) Done() int64 {
	return c.Processed + c.Cached + c.Failed + c.Duplicates
}

// BatchPlan is the sizing a job runs with, derived from the negotiated ML batch size.
type BatchPlan struct {
	MLBatchSize      int    `json:"ml_batch_size"`
	MLQueueCapacity  int    `json:"ml_queue_capacity"`
	ProcessorWorkers int    `json:"processor_workers"`
	MLWorkers        int    `json:"ml_workers"`
	DBWorkers        int    `json:"db_workers"`
	DBBatchSize      int    `json:"db_batch_size"`
	RawQueueCapacity int    `json:"raw_queue_capacity"`
	Source           string `json:"source"` // override, service, cached, default
}

// JobLogLine is one timestamped entry of a job's log.
type JobLogLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// FailedDetail attributes a failure to a file and the stage that rejected it.
type FailedDetail struct {
	Path  string `json:"path"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// JobStatusView is the caller-facing snapshot of a job.
type JobStatusView struct {
	ID            string         `json:"job_id"`
	Directory     string         `json:"directory"`
	Collection    string         `json:"collection"`
	Status        JobStatus      `json:"status"`
	Progress      float64        `json:"progress"`
	Counters      Counters       `json:"counters"`
	Plan          BatchPlan      `json:"plan"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	RecentLog     []JobLogLine   `json:"recent_log,omitempty"`
	FailedDetails []FailedDetail `json:"failed_details,omitempty"`
}

// JobRecord is the persisted summary of a finished ingestion job.
type JobRecord struct {
	ID               string     `gorm:"type:text;primaryKey" json:"id"`
	Directory        string     `gorm:"type:text;not null" json:"directory"`
	Collection       string     `gorm:"type:text;not null;index" json:"collection"`
	Status           JobStatus  `gorm:"type:text;default:pending" json:"status"`
	TotalFiles       int64      `gorm:"default:0" json:"total_files"`
	Processed        int64      `gorm:"default:0" json:"processed"`
	Cached           int64      `gorm:"default:0" json:"cached"`
	Failed           int64      `gorm:"default:0" json:"failed"`
	Duplicates       int64      `gorm:"default:0" json:"duplicates"`
	MLBatchSize      int        `json:"ml_batch_size"`
	DBBatchSize      int        `json:"db_batch_size"`
	ProcessorWorkers int        `json:"processor_workers"`
	MLWorkers        int        `json:"ml_workers"`
	DBWorkers        int        `json:"db_workers"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorLog         string     `json:"error_log,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName returns the database table name for JobRecord.
func (JobRecord) TableName() string {
	return "ingest_jobs"
}
