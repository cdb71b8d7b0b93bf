package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3cpo-dev/fleetfs/internal/health"
	"github.com/3cpo-dev/fleetfs/internal/reconcile"
	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

const namespace = "fleetfs"

// Snapshotter exposes per-worker state for the load gauge.
type Snapshotter interface {
	Snapshot() []registry.State
}

// Metrics holds the node's Prometheus collectors on a private registry so
// several nodes can live in one process (tests).
type Metrics struct {
	reg *prometheus.Registry

	submitted *prometheus.CounterVec
	retried   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec

	score     *prometheus.GaugeVec
	freeBytes *prometheus.GaugeVec
	failures  *prometheus.GaugeVec

	reconciled *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the orchestrator.",
		}, []string{"operation"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Tasks reassigned after a timeout.",
		}, []string{"operation"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"operation", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from submission to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_health_score",
			Help:      "Health score of each worker (100 healthy, 0 offline).",
		}, []string{"worker"}),
		freeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_free_bytes",
			Help:      "Free space reported by the last probe.",
		}, []string{"worker"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_probe_failures",
			Help:      "Consecutive failed probes.",
		}, []string{"worker"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_records_total",
			Help:      "Records handled by reconciliation passes.",
		}, []string{"kind", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted, m.retried, m.finished, m.duration,
		m.score, m.freeBytes, m.failures, m.reconciled,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) TaskSubmitted(op api.Operation) {
	m.submitted.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) TaskRetried(op api.Operation) {
	m.retried.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) TaskFinished(op api.Operation, state api.TaskState, elapsed time.Duration) {
	m.finished.WithLabelValues(string(op), string(state)).Inc()
	m.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) Reconciled(r reconcile.Report) {
	m.reconciled.WithLabelValues(r.Kind, "copied").Add(float64(r.Copied))
	m.reconciled.WithLabelValues(r.Kind, "skipped").Add(float64(r.Skipped))
	m.reconciled.WithLabelValues(r.Kind, "failed").Add(float64(r.Failed))
}

// ObserveProbe records one health probe result. It is meant for
// health.WithResultHook.
func (m *Metrics) ObserveProbe(r health.Result) {
	m.score.WithLabelValues(r.Worker).Set(float64(r.Status.Score()))
	m.failures.WithLabelValues(r.Worker).Set(float64(r.Failures))
	if r.Capacity.Reachable && !r.Capacity.Unbounded {
		m.freeBytes.WithLabelValues(r.Worker).Set(float64(r.Capacity.FreeBytes))
	}
}

// WatchLoads exports the current load of every worker on each scrape.
func (m *Metrics) WatchLoads(src Snapshotter) {
	m.reg.MustRegister(&loadCollector{src: src, desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "worker_load"),
		"Operations currently assigned to each worker.",
		[]string{"worker", "kind"}, nil,
	)})
}

// WatchDropped exports a drop counter such as events.Bus.Dropped.
func (m *Metrics) WatchDropped(fn func() uint64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Status events not delivered to a full subscriber.",
	}, func() float64 { return float64(fn()) }))
}

type loadCollector struct {
	src  Snapshotter
	desc *prometheus.Desc
}

func (c *loadCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *loadCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(st.Load), st.Name, string(st.Kind))
	}
}
