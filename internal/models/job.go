package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job types understood by the maintenance worker.
const (
	// JobTypeSubscriptionResync re-fetches one subscription from the billing
	// provider and reconciles it. Payload: {"subscription_id": "sub_..."}.
	JobTypeSubscriptionResync = "subscription.resync"
	// JobTypeCatalogBackfill mirrors every product and price from the
	// billing provider. Payload is empty.
	JobTypeCatalogBackfill = "catalog.backfill"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// JobPriority orders claimable jobs.
type JobPriority string

const (
	JobPriorityLow      JobPriority = "low"
	JobPriorityNormal   JobPriority = "normal"
	JobPriorityHigh     JobPriority = "high"
	JobPriorityCritical JobPriority = "critical"
)

// Job is a row of the jobs table.
type Job struct {
	ID           int64       `json:"id"`
	JobType      string      `json:"job_type"`
	Payload      JSONB       `json:"payload"`
	Status       JobStatus   `json:"status"`
	Priority     JobPriority `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	LastError    *string     `json:"last_error,omitempty"`
	RetryAfter   *time.Time  `json:"retry_after,omitempty"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	WorkerID     *string     `json:"worker_id,omitempty"`
	Metadata     JSONB       `json:"metadata"`
}

// JSONB maps a PostgreSQL JSONB column. It backs job payloads as well as the
// metadata columns of the billing tables.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// StringMap converts provider metadata into a JSONB value.
func StringMap(m map[string]string) JSONB {
	out := make(JSONB, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the string stored under key, or "" when it is absent or not
// a string.
func (j JSONB) String(key string) string {
	if j == nil {
		return ""
	}
	s, _ := j[key].(string)
	return s
}

// JobStats summarizes the queue by status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// IsValid checks the fields required to enqueue a job and fills the default
// priority.
func (j *Job) IsValid() error {
	if j.JobType == "" {
		return fmt.Errorf("job type is required")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if j.Priority == "" {
		j.Priority = JobPriorityNormal
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts && j.Status != JobStatusCancelled
}
