package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueStats is a point-in-time count of dispatch jobs by state
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Deferred   int64 `json:"deferred"`
	DeadLetter int64 `json:"dead_letter"`
}

// QueueStatsProvider is implemented by the job store
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	countersKey   = []byte("counters")
)

const gaugeInterval = 5 * time.Second

// CounterSample is one persisted series of a counter vector
type CounterSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// ShadowCounters maps counter names to their persisted series
type ShadowCounters map[string][]CounterSample

// Collector keeps delivery and API counters monotonic across restarts by
// shadowing them in the queue's bbolt file, and refreshes the queue and
// process gauges on a short interval.
type Collector struct {
	db          *bolt.DB
	metrics     *Metrics
	queue       QueueStatsProvider
	storagePath string
	flushEvery  time.Duration
	started     time.Time

	flushMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector restores previously flushed counters into m
func NewCollector(db *bolt.DB, m *Metrics, queue QueueStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create metrics bucket: %w", err)
	}

	c := &Collector{
		db:          db,
		metrics:     m,
		queue:       queue,
		storagePath: storagePath,
		flushEvery:  flushInterval,
		started:     time.Now(),
		stop:        make(chan struct{}),
	}
	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start runs the flush and gauge loops until ctx ends or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends the loops and flushes the counters a final time
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return c.flush()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	flushTicker := time.NewTicker(c.flushEvery)
	defer flushTicker.Stop()
	gaugeTicker := time.NewTicker(gaugeInterval)
	defer gaugeTicker.Stop()

	c.refreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-flushTicker.C:
			_ = c.flush()
		case <-gaugeTicker.C:
			c.refreshGauges(ctx)
		}
	}
}

// tracked lists the counter vectors that survive restarts
func (c *Collector) tracked() map[string]*prometheus.CounterVec {
	m := c.metrics
	return map[string]*prometheus.CounterVec{
		"zapcast_messages_sent_total":        m.MessagesSentTotal,
		"zapcast_messages_failed_total":      m.MessagesFailedTotal,
		"zapcast_messages_retried_total":     m.MessagesRetriedTotal,
		"zapcast_status_updates_total":       m.StatusUpdatesTotal,
		"zapcast_campaign_transitions_total": m.CampaignTransitionsTotal,
		"zapcast_webhooks_total":             m.WebhooksTotal,
		"zapcast_jobs_processed_total":       m.JobsProcessedTotal,
		"zapcast_api_requests_total":         m.APIRequestsTotal,
		"zapcast_api_errors_total":           m.APIErrorsTotal,
		"zapcast_ratelimit_exceeded_total":   m.RateLimitExceededTotal,
	}
}

// restore adds the stored values back onto fresh counters. A corrupt record
// is ignored and the counters start from zero.
func (c *Collector) restore() error {
	var shadow ShadowCounters
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(countersKey)
		if data != nil && json.Unmarshal(data, &shadow) != nil {
			shadow = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	vecs := c.tracked()
	for name, samples := range shadow {
		vec, ok := vecs[name]
		if !ok {
			continue
		}
		for _, s := range samples {
			if counter, err := vec.GetMetricWith(s.Labels); err == nil {
				counter.Add(s.Value)
			}
		}
	}
	return nil
}

// snapshot gathers the tracked counter series from the registry
func (c *Collector) snapshot() (ShadowCounters, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	vecs := c.tracked()
	shadow := make(ShadowCounters)
	for _, mf := range families {
		name := mf.GetName()
		if _, ok := vecs[name]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, series := range mf.GetMetric() {
			labels := make(map[string]string, len(series.GetLabel()))
			for _, lp := range series.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			shadow[name] = append(shadow[name], CounterSample{Labels: labels, Value: series.GetCounter().GetValue()})
		}
	}
	return shadow, nil
}

func (c *Collector) flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	shadow, err := c.snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(shadow)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(countersKey, data)
	})
}

// refreshGauges samples process state and the job queue
func (c *Collector) refreshGauges(ctx context.Context) {
	m := c.metrics
	m.UptimeSeconds.Set(time.Since(c.started).Seconds())
	m.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			m.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queue == nil {
		return
	}
	stats, err := c.queue.QueueStats(ctx)
	if err != nil {
		return
	}
	m.QueueSize.Set(float64(stats.Pending + stats.Deferred))
	m.QueueActive.Set(float64(stats.Running))
	m.QueueDeferred.Set(float64(stats.Deferred))
	m.QueueDeadLetter.Set(float64(stats.DeadLetter))
}
