package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/pcrbatch/pkg/jobregistry"
	"github.com/3leaps/pcrbatch/pkg/poller"
)

const metricsNamespace = "pcrbatch"

// Metrics exposes poll loop progress in Prometheus format. It observes the
// poller directly.
type Metrics struct {
	registry *prometheus.Registry

	jobs          prometheus.Gauge
	finished      prometheus.Gauge
	succeeded     prometheus.Gauge
	failed        prometheus.Gauge
	cycles        prometheus.Counter
	queryFailures prometheus.Counter
	jobsFinished  *prometheus.CounterVec
}

// NewMetrics creates the metric set on a private registry. batch names the
// batch and is attached to every series as a constant label.
func NewMetrics(batch string) *Metrics {
	labels := prometheus.Labels{"batch": batch}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		jobs:      gauge("jobs", "Jobs submitted in the batch."),
		finished:  gauge("jobs_finished", "Jobs in a terminal status."),
		succeeded: gauge("jobs_succeeded", "Jobs that succeeded."),
		failed:    gauge("jobs_failed", "Jobs that failed."),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "poll_cycles_total",
			Help: "Completed poll cycles.", ConstLabels: labels,
		}),
		queryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "status_query_failures_total",
			Help: "Status queries that failed and were retried on the next cycle.", ConstLabels: labels,
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "job_transitions_total",
			Help: "Terminal transitions observed, by status.", ConstLabels: labels,
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.jobs, m.finished, m.succeeded, m.failed,
		m.cycles, m.queryFailures, m.jobsFinished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetProgress updates the progress gauges outside a poll cycle, e.g. after
// submission.
func (m *Metrics) SetProgress(p jobregistry.Progress) {
	m.jobs.Set(float64(p.Total))
	m.finished.Set(float64(p.Finished))
	m.succeeded.Set(float64(p.Succeeded))
	m.failed.Set(float64(p.Failed))
}

func (m *Metrics) CycleCompleted(p jobregistry.Progress) {
	m.cycles.Inc()
	m.SetProgress(p)
}

func (m *Metrics) QueryFailed(error) {
	m.queryFailures.Inc()
}

func (m *Metrics) JobFinished(r jobregistry.Record) {
	m.jobsFinished.WithLabelValues(r.Status.String()).Inc()
}

var _ poller.Observer = (*Metrics)(nil)
