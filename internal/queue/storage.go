package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketPending    = []byte("pending")
	bucketDeferred   = []byte("deferred")
	bucketDeadLetter = []byte("dead_letter")
)

// indexTimeFormat is fixed width so index keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db   *bolt.DB
	path string
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketPending, bucketDeferred, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, path: path}, nil
}

// Enqueue adds a job to the queue
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = StatusPending

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue gets the next due job, deferred retries first
func (s *BoltStorage) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		jobs := tx.Bucket(bucketJobs)

		take := func(c *bolt.Cursor, v []byte) (bool, error) {
			data := jobs.Get(v)
			if data == nil {
				// Job was deleted, clean up index
				return false, c.Delete()
			}

			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				return false, nil
			}

			j.Status = StatusRunning
			j.UpdatedAt = now
			if err := putJob(tx, &j); err != nil {
				return false, err
			}
			if err := c.Delete(); err != nil {
				return false, err
			}

			job = &j
			return true, nil
		}

		c := tx.Bucket(bucketDeferred).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // All remaining are in the future
			}
			if ok, err := take(c, v); err != nil || ok {
				return err
			}
		}

		c = tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if ok, err := take(c, v); err != nil || ok {
				return err
			}
		}

		return nil
	})

	return job, err
}

// Update stores the job. Pending and deferred jobs are indexed for dequeue.
func (s *BoltStorage) Update(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job.UpdatedAt = time.Now()
		if err := putJob(tx, job); err != nil {
			return err
		}

		switch job.Status {
		case StatusDeferred:
			if err := tx.Bucket(bucketDeferred).Put(makeIndexKey(job.NextRetryAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
		case StatusPending:
			if err := tx.Bucket(bucketPending).Put(makeIndexKey(job.UpdatedAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a job by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})

	return job, err
}

// List returns jobs with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if filter.Type != "" && job.Type != filter.Type {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			jobs = append(jobs, &job)
			if filter.Limit > 0 && len(jobs) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return jobs, err
}

// Delete removes a job and its index entries
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketDeferred, bucketDeadLetter} {
			if err := removeFromIndex(tx.Bucket(bucket), id); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}

			stats.Total++
			switch job.Status {
			case StatusPending:
				stats.Pending++
			case StatusRunning:
				stats.Running++
			case StatusDone:
				stats.Done++
			case StatusDeferred:
				stats.Deferred++
			case StatusDead:
				stats.Dead++
			}
			return nil
		})
	})

	return stats, err
}

// QueueStats adapts Stats for the metrics collector
func (s *BoltStorage) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:    stats.Pending,
		Running:    stats.Running,
		Deferred:   stats.Deferred,
		DeadLetter: stats.Dead,
	}, nil
}

// RecoverRunning requeues jobs left running by a previous process.
// Call it before starting workers.
func (s *BoltStorage) RecoverRunning(ctx context.Context) (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		pending := tx.Bucket(bucketPending)

		var stale []*Job
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusRunning {
				stale = append(stale, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, job := range stale {
			job.Status = StatusPending
			job.UpdatedAt = now
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := pending.Put(makeIndexKey(job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Path returns the database file path
func (s *BoltStorage) Path() string {
	return s.path
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func removeFromIndex(b *bolt.Bucket, id string) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	if len(key) < len(indexTimeFormat) {
		return time.Time{}
	}
	ts, _ := time.Parse(indexTimeFormat, string(key[:len(indexTimeFormat)]))
	return ts
}

// Dead Letter Queue methods

// MoveToDLQ marks a job dead and adds it to the dead letter index
func (s *BoltStorage) MoveToDLQ(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job.Status = StatusDead
		job.UpdatedAt = time.Now()

		if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(job.UpdatedAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		return putJob(tx, job)
	})
}

// ListDLQ returns jobs in the dead letter queue, oldest first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		jobsBucket := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDeadLetter).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			data := jobsBucket.Get(v)
			if data == nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}

			jobs = append(jobs, &job)
			if limit > 0 && len(jobs) >= limit {
				break
			}
		}
		return nil
	})

	return jobs, err
}

// GetFromDLQ retrieves a dead job, nil if the job is not dead
func (s *BoltStorage) GetFromDLQ(ctx context.Context, id string) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	if job.Status != StatusDead {
		return nil, nil
	}
	return job, nil
}

// RetryFromDLQ moves a dead job back to the pending queue with attempts reset
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if job.Status != StatusDead {
			return fmt.Errorf("job %s is not in the dead letter queue", id)
		}

		if err := removeFromIndex(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}

		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		job.UpdatedAt = time.Now()
		if err := putJob(tx, &job); err != nil {
			return err
		}

		if err := tx.Bucket(bucketPending).Put(makeIndexKey(job.UpdatedAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to pending: %w", err)
		}
		return nil
	})
}

// DeleteFromDLQ permanently deletes a job from the dead letter queue
func (s *BoltStorage) DeleteFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := removeFromIndex(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			stats.Total++
			if stats.Total == 1 {
				stats.OldestAt = parseTimestampFromKey(k)
			}
			if data := jobs.Get(v); data != nil {
				stats.TotalSize += int64(len(data))
			}
		}
		return nil
	})

	return stats, err
}

// Cleanup methods

// CleanupDone removes finished jobs older than maxAge
func (s *BoltStorage) CleanupDone(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		var toDelete [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Status == StatusDone && job.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDLQ removes dead jobs by age, then the oldest ones above maxCount
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		jobs := tx.Bucket(bucketJobs)

		type entry struct {
			indexKey []byte
			jobID    []byte
		}
		var keep, expired []entry

		cutoff := time.Now().Add(-maxAge)
		c := dlq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e := entry{indexKey: append([]byte{}, k...), jobID: append([]byte{}, v...)}
			if maxAge > 0 && parseTimestampFromKey(k).Before(cutoff) {
				expired = append(expired, e)
			} else {
				keep = append(keep, e)
			}
		}

		// Index is oldest first, so trimming the head enforces max count
		if maxCount > 0 && len(keep) > maxCount {
			expired = append(expired, keep[:len(keep)-maxCount]...)
		}

		for _, e := range expired {
			if err := dlq.Delete(e.indexKey); err != nil {
				return err
			}
			if err := jobs.Delete(e.jobID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
