package queue

import (
	"context"
)

// Queue defines the interface for job queue operations
type Queue interface {
	// Enqueue adds a job to the queue
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue gets the next due job and marks it running.
	// Returns nil, nil if nothing is due.
	Dequeue(ctx context.Context) (*Job, error)

	// Update stores the job and indexes it by its status
	Update(ctx context.Context, job *Job) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// Delete removes a job from the queue
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics
	Stats(ctx context.Context) (*QueueStats, error)

	// MoveToDLQ marks the job dead and indexes it in the dead letter queue
	MoveToDLQ(ctx context.Context, job *Job) error

	// Close closes the storage connection
	Close() error
}
