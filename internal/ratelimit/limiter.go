// Package ratelimit paces provider sends and enforces hourly and daily quotas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foxzi/zapcast/internal/metrics"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"
)

// ErrQuotaExceeded is returned by Acquire when a quota window is full
var ErrQuotaExceeded = errors.New("quota exceeded")

// Level is the scope a quota applies to
type Level string

const (
	LevelGlobal     Level = "global"
	LevelTenant     Level = "tenant"
	LevelConnection Level = "connection"
)

// Config contains rate limit configuration
type Config struct {
	Global            *LimitConfig `yaml:"global,omitempty"`
	DefaultTenant     *LimitConfig `yaml:"default_tenant,omitempty"`
	DefaultConnection *LimitConfig `yaml:"default_connection,omitempty"`

	// Token bucket applied per connection; PerSecond <= 0 disables pacing
	PerSecond float64 `yaml:"per_second,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig caps sends per window. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// QuotaError carries the denial details of ErrQuotaExceeded
type QuotaError struct {
	Level      Level
	Key        string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s, retry after %s", e.Level, e.Key, e.RetryAfter.Round(time.Second))
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// Request identifies the send being limited
type Request struct {
	TenantID     string
	ConnectionID string
}

// Result is the outcome of a quota evaluation
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats is a snapshot of one quota key
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

// Limiter combines per-connection token buckets with quota counters that
// survive restarts through a bbolt bucket.
type Limiter struct {
	store  *counterStore
	config *Config

	mu       sync.RWMutex
	counters map[string]*Counter

	pacingMu sync.Mutex
	pacers   map[string]*rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter loads persisted counters from db and starts the flush loop
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	store, err := newCounterStore(db)
	if err != nil {
		return nil, err
	}
	counters, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	l := &Limiter{
		store:    store,
		config:   cfg,
		counters: counters,
		pacers:   make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
	go l.flushLoop()

	return l, nil
}

// Acquire consumes one unit of every applicable quota and then waits for the
// connection's token bucket. A full quota returns a *QuotaError.
func (l *Limiter) Acquire(ctx context.Context, req *Request) error {
	result, err := l.Allow(ctx, req)
	if err != nil {
		return err
	}
	if !result.Allowed {
		metrics.IncRateLimitExceeded(string(result.DeniedBy))
		return &QuotaError{Level: result.DeniedBy, Key: result.DeniedKey, RetryAfter: result.RetryAfter}
	}
	return l.Wait(ctx, req.ConnectionID)
}

// Wait blocks until the connection's token bucket admits one send
func (l *Limiter) Wait(ctx context.Context, connectionID string) error {
	if p := l.pacer(connectionID); p != nil {
		return p.Wait(ctx)
	}
	return nil
}

func (l *Limiter) pacer(connectionID string) *rate.Limiter {
	if l.config.PerSecond <= 0 || connectionID == "" {
		return nil
	}

	l.pacingMu.Lock()
	defer l.pacingMu.Unlock()

	p, ok := l.pacers[connectionID]
	if !ok {
		p = rate.NewLimiter(rate.Limit(l.config.PerSecond), l.config.Burst)
		l.pacers[connectionID] = p
	}
	return p
}

// Allow consumes one unit from every quota that applies to req, or none if
// any of them is full.
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	quotas := l.quotasFor(req)

	for _, q := range quotas {
		c, ok := l.counters[q.key]
		if !ok {
			c = &Counter{HourStart: now, DayStart: now}
			l.counters[q.key] = c
		}
		c.roll(now)
		if wait, full := c.exceeds(q.limit, now); full {
			return q.deny(wait), nil
		}
	}

	for _, q := range quotas {
		l.counters[q.key].add()
	}
	return &Result{Allowed: true}, nil
}

// Check reports what Allow would decide without consuming anything
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := time.Now()
	for _, q := range l.quotasFor(req) {
		c, ok := l.counters[q.key]
		if !ok {
			continue
		}
		snapshot := *c
		snapshot.roll(now)
		if wait, full := snapshot.exceeds(q.limit, now); full {
			return q.deny(wait), nil
		}
	}
	return &Result{Allowed: true}, nil
}

// GetStats returns the live usage of one quota key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{Level: level, Key: key}
	c, ok := l.counters[quotaKey(level, key)]
	if !ok {
		return stats, nil
	}

	snapshot := *c
	snapshot.roll(time.Now())
	stats.HourlyCount = snapshot.HourlyCount
	stats.DailyCount = snapshot.DailyCount
	stats.HourStart = snapshot.HourStart
	stats.DayStart = snapshot.DayStart
	return stats, nil
}

// Stop ends the flush loop and writes the counters one last time
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.flush()
}

func (l *Limiter) flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.save(l.counters)
}

func (l *Limiter) flushLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			_ = l.flush()
		}
	}
}
