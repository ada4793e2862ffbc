package compiler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sarchlab/npuc/graph"
)

// Metrics counts what compilers do. A nil *Metrics records nothing.
type Metrics struct {
	Compiles          *prometheus.CounterVec
	CompileDuration   prometheus.Histogram
	PrepareIterations prometheus.Histogram
	Fixes             *prometheus.CounterVec
	Passes            prometheus.Counter
	FailedSubgraphs   prometheus.Counter
	CacheHits         prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Compiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npuc_compiles_total",
				Help: "Total number of network compilations",
			},
			[]string{"status"},
		),
		CompileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "npuc_compile_duration_seconds",
				Help:    "Time taken to compile a network",
				Buckets: prometheus.DefBuckets,
			},
		),
		PrepareIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "npuc_prepare_iterations",
				Help:    "Number of fix graph iterations needed to prepare a graph",
				Buckets: prometheus.LinearBuckets(0, 1, 10),
			},
		),
		Fixes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "npuc_fix_graph_total",
				Help: "Total number of fix graph rounds that changed the graph",
			},
			[]string{"severity"},
		),
		Passes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "npuc_passes_total",
				Help: "Total number of passes formed in prepared graphs",
			},
		),
		FailedSubgraphs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "npuc_failed_subgraphs_total",
				Help: "Total number of subgraphs left to the fallback backend",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "npuc_cache_hits_total",
				Help: "Total number of compilations served from the cache",
			},
		),
	}

	reg.MustRegister(m.Compiles, m.CompileDuration, m.PrepareIterations,
		m.Fixes, m.Passes, m.FailedSubgraphs, m.CacheHits)
	return m
}

func (m *Metrics) observeCompile(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.Compiles.WithLabelValues(status).Inc()
	m.CompileDuration.Observe(d.Seconds())
}

func (m *Metrics) observePrepared(iterations, passes int) {
	if m == nil {
		return
	}
	m.PrepareIterations.Observe(float64(iterations))
	m.Passes.Add(float64(passes))
}

func (m *Metrics) observeFix(s graph.Severity) {
	if m == nil {
		return
	}
	severity := "low"
	if s == graph.SeverityHigh {
		severity = "high"
	}
	m.Fixes.WithLabelValues(severity).Inc()
}

// ObserveFailedSubgraph counts a subgraph that could not be compiled.
func (m *Metrics) ObserveFailedSubgraph() {
	if m == nil {
		return
	}
	m.FailedSubgraphs.Inc()
}

func (m *Metrics) observeCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}
