// Package metrics exposes the backend's Prometheus collectors. One Metrics
// value serves the billing core, the Stripe client, the HTTP stack and the
// job worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/worker"
)

// Metrics implements billing.Metrics, stripe.APIRecorder and
// middleware.HTTPRecorder using Prometheus.
type Metrics struct {
	webhookEventsTotal *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	roleChangesTotal   *prometheus.CounterVec
	staleEventsTotal   prometheus.Counter
	apiCallsTotal      *prometheus.CounterVec
	apiCallDuration    *prometheus.HistogramVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	workerActiveJobs   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers every collector on reg under namespace.
func New(reg *prometheus.Registry, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Time spent dispatching one webhook event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		roleChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "role_changes_total",
			Help:      "User role changes derived from subscription status.",
		}, []string{"role"}),

		staleEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "stale_events_total",
			Help:      "Subscription events ignored because a newer event was already applied.",
		}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripe",
			Name:      "api_calls_total",
			Help:      "Stripe API calls by endpoint and status.",
		}, []string{"endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stripe",
			Name:      "api_call_duration_seconds",
			Help:      "Stripe API call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "events_total",
			Help:      "Job lifecycle events by job type.",
		}, []string{"job_type", "event"}),

		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run time by job type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),

		workerActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently being processed by this instance.",
		}),

		gatherer: reg,
	}
}

func (m *Metrics) ObserveEvent(eventType, outcome string, duration time.Duration) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordRoleChange(role string) {
	m.roleChangesTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordStaleEvent() {
	m.staleEventsTotal.Inc()
}

func (m *Metrics) RecordAPICall(endpoint, status string, duration time.Duration) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
	m.apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// WorkerInstrumentation returns worker hooks that feed the job collectors.
func (m *Metrics) WorkerInstrumentation() *worker.Instrumentation {
	return &worker.Instrumentation{
		OnEnqueue: func(job *models.Job) {
			m.jobsTotal.WithLabelValues(job.JobType, "enqueued").Inc()
		},
		OnStart: func(job *models.Job) {
			m.jobsTotal.WithLabelValues(job.JobType, "started").Inc()
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			m.jobsTotal.WithLabelValues(job.JobType, "completed").Inc()
			m.jobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			m.jobsTotal.WithLabelValues(job.JobType, "failed").Inc()
			m.jobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			m.jobsTotal.WithLabelValues(job.JobType, "retried").Inc()
		},
		OnCancel: func(job *models.Job) {
			m.jobsTotal.WithLabelValues(job.JobType, "cancelled").Inc()
		},
		OnHeartbeat: func(_ string, stats worker.Stats) {
			m.workerActiveJobs.Set(float64(stats.ActiveWorkers))
		},
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
