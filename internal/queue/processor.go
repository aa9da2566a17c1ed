package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/zapcast/internal/metrics"
)

// Handler processes a single job
type Handler func(ctx context.Context, job *Job) error

// ErrorChecker reports whether a handler error is worth retrying
type ErrorChecker func(err error) bool

// ErrNoHandler is recorded on jobs whose type has no subscriber
var ErrNoHandler = errors.New("no handler")

// DeferError asks the processor to run the job again after Delay
// without counting an attempt
type DeferError struct {
	Delay time.Duration
	Err   error
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %v", e.Delay, e.Err)
}

func (e *DeferError) Unwrap() error {
	return e.Err
}

// Defer wraps err so the job is rescheduled after delay
func Defer(err error, delay time.Duration) error {
	return &DeferError{Delay: delay, Err: err}
}

type subscription struct {
	handler Handler
	timeout time.Duration
}

// Processor runs workers that pull jobs from the queue and dispatch them to handlers
type Processor struct {
	queue           Queue
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	isTemporary     ErrorChecker
	logger          *slog.Logger

	mu       sync.RWMutex
	handlers map[string]subscription

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
}

// NewProcessor creates a new queue processor
func NewProcessor(q Queue, cfg ProcessorConfig, isTemp ErrorChecker, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Processor{
		queue:           q,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		isTemporary:     isTemp,
		logger:          logger,
		handlers:        make(map[string]subscription),
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// Subscribe registers the handler for a job type. A zero timeout means the
// handler runs until it returns or the processor stops.
func (p *Processor) Subscribe(jobType string, h Handler, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = subscription{handler: h, timeout: timeout}
}

// Enqueue stores a new job with the JSON encoded payload and returns its ID
func (p *Processor) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	job := &Job{Type: jobType, Payload: data}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", jobType, err)
	}

	// Wake an idle worker instead of waiting for the next tick
	select {
	case p.wake <- struct{}{}:
	default:
	}

	p.logger.Debug("job enqueued", "job_id", job.ID, "type", jobType)
	return job.ID, nil
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	// Jobs get a context that ends on Stop as well as on parent cancellation
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-jobCtx.Done():
		}
	}()

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
		case <-p.wake:
		}

		p.drain(jobCtx, logger)
	}
}

// drain processes jobs until none is due
func (p *Processor) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.processOne(ctx, logger) {
			return
		}
	}
}

// processOne runs a single job and reports whether one was dequeued
func (p *Processor) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}

	if job == nil {
		return false // Nothing due
	}

	logger = logger.With("job_id", job.ID, "type", job.Type)
	logger.Debug("processing job", "attempts", job.Attempts)

	p.mu.RLock()
	sub, ok := p.handlers[job.Type]
	p.mu.RUnlock()

	if !ok {
		job.LastError = ErrNoHandler.Error()
		logger.Error("no handler for job type, moving to dead letter queue")
		if err := p.queue.MoveToDLQ(ctx, job); err != nil {
			logger.Error("failed to move job to DLQ", "error", err)
		}
		metrics.IncJobsProcessed(job.Type, "dead")
		return true
	}

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if sub.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, sub.timeout)
	}
	err = sub.handler(runCtx, job)
	cancel()

	// Use a context that survives shutdown so the outcome is persisted
	saveCtx := context.WithoutCancel(ctx)

	if err == nil {
		job.Status = StatusDone
		job.LastError = ""
		if err := p.queue.Update(saveCtx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		metrics.IncJobsProcessed(job.Type, "done")
		logger.Debug("job done")
		return true
	}

	var deferErr *DeferError
	if errors.As(err, &deferErr) && ctx.Err() == nil {
		job.Status = StatusDeferred
		job.LastError = err.Error()
		job.NextRetryAt = time.Now().Add(deferErr.Delay)
		if err := p.queue.Update(saveCtx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		metrics.IncJobsProcessed(job.Type, "deferred")
		logger.Info("job deferred by handler", "reason", deferErr.Err, "next_retry_at", job.NextRetryAt)
		return true
	}

	job.LastError = err.Error()

	// Interrupted by shutdown: put it back without spending an attempt
	if ctx.Err() != nil {
		job.Status = StatusPending
		if err := p.queue.Update(saveCtx, job); err != nil {
			logger.Error("failed to requeue interrupted job", "error", err)
		}
		logger.Info("job interrupted by shutdown, requeued")
		return true
	}

	job.Attempts++
	if p.isTemporary(err) && job.Attempts < p.maxRetries {
		backoff := p.calculateBackoff(job.Attempts)
		job.Status = StatusDeferred
		job.NextRetryAt = time.Now().Add(backoff)

		if err := p.queue.Update(saveCtx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		metrics.IncJobsProcessed(job.Type, "deferred")
		logger.Warn("job deferred",
			"error", err,
			"attempts", job.Attempts,
			"next_retry_at", job.NextRetryAt,
			"backoff", backoff,
		)
		return true
	}

	logger.Error("job failed permanently",
		"error", err,
		"attempts", job.Attempts,
		"max_retries", p.maxRetries,
	)
	if err := p.queue.MoveToDLQ(saveCtx, job); err != nil {
		logger.Error("failed to move job to DLQ", "error", err)
	}
	metrics.IncJobsProcessed(job.Type, "dead")
	return true
}

// calculateBackoff calculates exponential backoff duration
func (p *Processor) calculateBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// retry_interval * 2^(n-1), multiplier capped at 12
	multiplier := 12
	if attempts < 5 {
		multiplier = 1 << (attempts - 1)
		if multiplier > 12 {
			multiplier = 12
		}
	}

	backoff := time.Duration(multiplier) * p.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}
