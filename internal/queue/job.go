package queue

import (
	"encoding/json"
	"time"
)

// JobStatus represents the status of a job in the queue
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusRunning  JobStatus = "running"
	StatusDone     JobStatus = "done"
	StatusDeferred JobStatus = "deferred"
	StatusDead     JobStatus = "dead"
)

// Job is a unit of background work. Payload is the JSON encoded argument of the handler.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	NextRetryAt time.Time       `json:"next_retry_at,omitempty"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// QueueStats represents queue statistics
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Running  int64 `json:"running"`
	Done     int64 `json:"done"`
	Deferred int64 `json:"deferred"`
	Dead     int64 `json:"dead"`
	Total    int64 `json:"total"`
}

// ListFilter represents filter options for listing jobs
type ListFilter struct {
	Status JobStatus
	Type   string
	Limit  int
	Offset int
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total     int64     `json:"total"`
	TotalSize int64     `json:"total_size"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}
