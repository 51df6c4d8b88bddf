// Package metrics exposes Prometheus instrumentation for the scheduler
// and worker pool: one struct of pre-registered collectors plus small
// Record* helpers called from the hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector lilac-bot registers.
type Metrics struct {
	ReadyGauge    *prometheus.GaugeVec
	BuildingGauge prometheus.Gauge

	BuildsTotal          *prometheus.CounterVec
	BuildDurationSeconds *prometheus.HistogramVec

	NvCheckDurationSeconds prometheus.Histogram
	WorkerJobsActive       *prometheus.GaugeVec
	WorkerCircuitOpen      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReadyGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lilac_packages_by_state",
				Help: "Number of packages currently in each scheduler state",
			},
			[]string{"state"},
		),
		BuildingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lilac_builds_active",
				Help: "Number of builds currently dispatched to a worker",
			},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_builds_total",
				Help: "Total number of completed builds by result",
			},
			[]string{"result", "reason"},
		),
		BuildDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lilac_build_duration_seconds",
				Help:    "Duration of individual package builds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
			},
			[]string{"result"},
		),
		NvCheckDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lilac_nvcheck_duration_seconds",
				Help:    "Duration of a full nvchecker run across one batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		WorkerJobsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lilac_worker_jobs_active",
				Help: "Active job count per worker",
			},
			[]string{"worker"},
		),
		WorkerCircuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lilac_worker_circuit_open",
				Help: "1 if the worker's circuit breaker is open, else 0",
			},
			[]string{"worker"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ReadyGauge,
		m.BuildingGauge,
		m.BuildsTotal,
		m.BuildDurationSeconds,
		m.NvCheckDurationSeconds,
		m.WorkerJobsActive,
		m.WorkerCircuitOpen,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBuild records one completed build's terminal result.
func (m *Metrics) RecordBuild(result, reason string, durationSeconds float64) {
	m.BuildingGauge.Dec()
	m.BuildsTotal.WithLabelValues(result, reason).Inc()
	m.BuildDurationSeconds.WithLabelValues(result).Observe(durationSeconds)
}

// RecordDispatch records one build being handed to a worker.
func (m *Metrics) RecordDispatch(worker string) {
	m.BuildingGauge.Inc()
	m.WorkerJobsActive.WithLabelValues(worker).Inc()
}

// SetStateCounts updates the per-state gauge from the scheduler's tick.
func (m *Metrics) SetStateCounts(ready, building, done, failed, skipped int) {
	m.ReadyGauge.WithLabelValues("ready").Set(float64(ready))
	m.ReadyGauge.WithLabelValues("building").Set(float64(building))
	m.ReadyGauge.WithLabelValues("done").Set(float64(done))
	m.ReadyGauge.WithLabelValues("failed").Set(float64(failed))
	m.ReadyGauge.WithLabelValues("skipped").Set(float64(skipped))
}

// SetWorkerCircuit reports a worker's circuit-breaker state.
func (m *Metrics) SetWorkerCircuit(worker string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.WorkerCircuitOpen.WithLabelValues(worker).Set(v)
}
