// Package scheduler starts scheduled campaigns when their time comes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Promoter starts due scheduled campaigns
type Promoter interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs the promoter on a cron spec
type Scheduler struct {
	promoter Promoter
	spec     string
	timeout  time.Duration
	logger   *slog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler. The spec accepts an optional seconds field and
// descriptors such as "@every 30s".
func New(promoter Promoter, spec string, logger *slog.Logger) (*Scheduler, error) {
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", spec, err)
	}
	return &Scheduler{
		promoter: promoter,
		spec:     spec,
		timeout:  time.Minute,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// Start registers the job and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to register scheduler job: %w", err)
	}
	c.Start()
	s.c = c

	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Tick promotes due campaigns once
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.promoter.PromoteDue(runCtx, time.Now())
	if err != nil {
		s.logger.Error("failed to promote scheduled campaigns", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("scheduled campaigns started", "count", n)
	}
}

// Stop stops the runner and waits for a running tick
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.logger.Info("scheduler stopped")
}
