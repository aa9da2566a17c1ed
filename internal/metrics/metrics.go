// Package metrics defines the Prometheus series for campaign delivery, the job
// queue and the HTTP surface, and serves them on a separate listener.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zapcast"

var global atomic.Pointer[Metrics]

// Metrics holds every series zapcast exports
type Metrics struct {
	// Delivery
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesRetriedTotal *prometheus.CounterVec
	StatusUpdatesTotal   *prometheus.CounterVec

	CampaignTransitionsTotal *prometheus.CounterVec
	CampaignsRunning         prometheus.Gauge

	WebhooksTotal *prometheus.CounterVec

	// Job queue
	JobsProcessedTotal *prometheus.CounterVec
	QueueSize          prometheus.Gauge
	QueueActive        prometheus.Gauge
	QueueDeferred      prometheus.Gauge
	QueueDeadLetter    prometheus.Gauge

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	RateLimitExceededTotal *prometheus.CounterVec

	// Process
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New builds the series on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	m := &Metrics{registry: reg}

	m.MessagesSentTotal = counter("messages_sent_total",
		"Campaign messages accepted by a provider", "connection_type")
	m.MessagesFailedTotal = counter("messages_failed_total",
		"Campaign messages marked failed at send time", "reason")
	m.MessagesRetriedTotal = counter("messages_retried_total",
		"Transient send failures scheduled for retry", "connection_type")
	m.StatusUpdatesTotal = counter("status_updates_total",
		"Provider status callbacks by resulting outcome", "status", "outcome")

	m.CampaignTransitionsTotal = counter("campaign_transitions_total",
		"Campaign status transitions by target status", "status")
	m.CampaignsRunning = gauge("campaigns_running",
		"Dispatch loops currently running in this process")

	m.WebhooksTotal = counter("webhooks_total",
		"Provider webhook requests", "provider", "result")

	m.JobsProcessedTotal = counter("jobs_processed_total",
		"Queue jobs processed by outcome", "job_type", "outcome")
	m.QueueSize = gauge("queue_size", "Pending and deferred jobs")
	m.QueueActive = gauge("queue_active", "Jobs currently being processed")
	m.QueueDeferred = gauge("queue_deferred", "Jobs awaiting retry")
	m.QueueDeadLetter = gauge("queue_dead_letter", "Jobs in the dead letter queue")

	m.APIRequestsTotal = counter("api_requests_total",
		"HTTP requests by route and status", "method", "path", "status")
	m.APIRequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "path"})
	reg.MustRegister(m.APIRequestDurationSeconds)
	m.APIErrorsTotal = counter("api_errors_total",
		"HTTP error responses by class", "error_type")

	m.RateLimitExceededTotal = counter("ratelimit_exceeded_total",
		"Sends deferred by a full quota", "level")

	m.UptimeSeconds = gauge("uptime_seconds", "Seconds since the process started")
	m.Goroutines = gauge("goroutines", "Live goroutines")
	m.StorageUsedBytes = gauge("storage_used_bytes", "Size of the queue database file")

	return m
}

// Registry returns the registry the series are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal installs m for the package-level helpers; nil disables them
func SetGlobal(m *Metrics) {
	global.Store(m)
}

// Global returns the installed instance, or nil
func Global() *Metrics {
	return global.Load()
}

// The helpers below are no-ops until SetGlobal is called, so packages can
// record unconditionally.

func IncMessagesSent(connectionType string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(connectionType).Inc()
	}
}

func IncMessagesFailed(reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

func IncMessagesRetried(connectionType string) {
	if m := Global(); m != nil {
		m.MessagesRetriedTotal.WithLabelValues(connectionType).Inc()
	}
}

// IncStatusUpdates counts a provider callback by status and tracker outcome
func IncStatusUpdates(status, outcome string) {
	if m := Global(); m != nil {
		m.StatusUpdatesTotal.WithLabelValues(status, outcome).Inc()
	}
}

func IncCampaignTransition(status string) {
	if m := Global(); m != nil {
		m.CampaignTransitionsTotal.WithLabelValues(status).Inc()
	}
}

func AddCampaignsRunning(delta float64) {
	if m := Global(); m != nil {
		m.CampaignsRunning.Add(delta)
	}
}

func IncWebhooks(provider, result string) {
	if m := Global(); m != nil {
		m.WebhooksTotal.WithLabelValues(provider, result).Inc()
	}
}

func IncJobsProcessed(jobType, outcome string) {
	if m := Global(); m != nil {
		m.JobsProcessedTotal.WithLabelValues(jobType, outcome).Inc()
	}
}

func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
