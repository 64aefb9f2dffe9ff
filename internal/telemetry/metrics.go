// Package telemetry exports job, alert and health metrics in the prometheus
// text format.
package telemetry

import (
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Provider = wire.NewSet(New)

const Namespace = "opsmonitor"

// Metrics owns its registry so several instances can coexist in tests.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobExecutions   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	alertsSent      *prometheus.CounterVec
	alertsDropped   *prometheus.CounterVec
	channelFailures *prometheus.CounterVec
	healthStatus    prometheus.Gauge
	serviceUp       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "executions_total",
			Help:      "Finished job executions by status and type",
		}, []string{"status", "type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "execution_duration_seconds",
			Help:      "Duration of finished job executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"type"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Job executions currently supervised by this process",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "Alerts recorded and handed to the channels",
		}, []string{"type", "level"}),
		alertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Alerts suppressed by debouncing",
		}, []string{"type", "level"}),
		channelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "alerts",
			Name:      "channel_failures_total",
			Help:      "Failed deliveries per notification channel",
		}, []string{"channel"}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Overall health: 2 healthy, 1 degraded, 0 unhealthy",
		}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "service_status",
			Help:      "Per service probe result: 2 up, 1 degraded, 0 down",
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		m.jobExecutions,
		m.jobDuration,
		m.activeJobs,
		m.alertsSent,
		m.alertsDropped,
		m.channelFailures,
		m.healthStatus,
		m.serviceUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobFinished(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobExecutions.WithLabelValues(status, jobType).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}

func (m *Metrics) AlertSent(alertType, level string) {
	if m == nil {
		return
	}
	m.alertsSent.WithLabelValues(alertType, level).Inc()
}

func (m *Metrics) AlertSuppressed(alertType, level string) {
	if m == nil {
		return
	}
	m.alertsDropped.WithLabelValues(alertType, level).Inc()
}

func (m *Metrics) ChannelFailed(channel string) {
	if m == nil {
		return
	}
	m.channelFailures.WithLabelValues(channel).Inc()
}

// SetHealth records the overall verdict and each service's status using the
// scale 2 (ok), 1 (degraded), 0 (down).
func (m *Metrics) SetHealth(overall float64, services map[string]float64) {
	if m == nil {
		return
	}
	m.healthStatus.Set(overall)
	for name, v := range services {
		m.serviceUp.WithLabelValues(name).Set(v)
	}
}
