package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig sets how long finished and dead jobs are retained
type CleanerConfig struct {
	DoneMaxAge   time.Duration
	DoneInterval time.Duration

	DLQMaxAge   time.Duration
	DLQMaxCount int
	DLQInterval time.Duration
}

// sweep is one retention rule run on its own ticker
type sweep struct {
	name     string
	interval time.Duration
	run      func(context.Context) (int, error)
}

// Cleaner prunes dispatch jobs that no longer need to be kept: finished
// jobs past their retention age and dead-lettered jobs beyond the DLQ bounds.
type Cleaner struct {
	storage *BoltStorage
	sweeps  []sweep
	logger  *slog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewCleaner builds a cleaner; rules whose limits or interval are zero are skipped
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	c := &Cleaner{
		storage: storage,
		logger:  logger,
		stop:    make(chan struct{}),
	}

	if cfg.DoneMaxAge > 0 && cfg.DoneInterval > 0 {
		c.sweeps = append(c.sweeps, sweep{
			name:     "finished",
			interval: cfg.DoneInterval,
			run: func(ctx context.Context) (int, error) {
				return storage.CleanupDone(ctx, cfg.DoneMaxAge)
			},
		})
	}
	if (cfg.DLQMaxAge > 0 || cfg.DLQMaxCount > 0) && cfg.DLQInterval > 0 {
		c.sweeps = append(c.sweeps, sweep{
			name:     "dlq",
			interval: cfg.DLQInterval,
			run: func(ctx context.Context) (int, error) {
				return storage.CleanupDLQ(ctx, cfg.DLQMaxAge, cfg.DLQMaxCount)
			},
		})
	}

	return c
}

// Start runs every sweep once and then on its interval until ctx ends or Stop
func (c *Cleaner) Start(ctx context.Context) {
	for _, s := range c.sweeps {
		c.wg.Add(1)
		go c.every(ctx, s)
	}
	c.logger.Info("cleaner started", "sweeps", len(c.sweeps))
}

// Stop waits for running sweeps to return
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) every(ctx context.Context, s sweep) {
	defer c.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		c.apply(ctx, s)

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *Cleaner) apply(ctx context.Context, s sweep) {
	removed, err := s.run(ctx)
	switch {
	case err != nil:
		c.logger.Error("retention sweep failed", "sweep", s.name, "error", err)
	case removed > 0:
		c.logger.Info("retention sweep removed jobs", "sweep", s.name, "removed", removed)
	}
}
