// Package metrics implements the C13 Prometheus metrics bundle: process
// counts, fuel exhaustion, mailbox depth, and signal throughput. Shape
// (a struct of pre-built collectors registered once at construction,
// exposing small Inc/Observe-style methods to callers) is grounded on
// infodancer-pop3d's internal/metrics.PrometheusCollector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the C13 metrics bundle, registered against a single
// prometheus.Registerer at construction.
type Registry struct {
	processesSpawnedTotal prometheus.Counter
	processesExitedTotal  *prometheus.CounterVec
	processesActive       prometheus.Gauge

	fuelExhaustionsTotal prometheus.Counter

	mailboxDepth    prometheus.Histogram
	signalsTotal    *prometheus.CounterVec
	moduleCacheHits prometheus.Counter
	moduleCacheMiss prometheus.Counter
}

// New constructs a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		processesSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunatic_processes_spawned_total",
			Help: "Total number of processes spawned.",
		}),
		processesExitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lunatic_processes_exited_total",
			Help: "Total number of processes that have exited, by reason.",
		}, []string{"reason"}),
		processesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lunatic_processes_active",
			Help: "Number of currently live processes.",
		}),
		fuelExhaustionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunatic_fuel_exhaustions_total",
			Help: "Total number of fuel-quantum exhaustion yields across all processes.",
		}),
		mailboxDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lunatic_mailbox_depth",
			Help:    "Observed message mailbox depth at delivery time.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lunatic_signals_total",
			Help: "Total number of control signals applied, by kind.",
		}, []string{"kind"}),
		moduleCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunatic_module_cache_hits_total",
			Help: "Total number of module cache hits.",
		}),
		moduleCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunatic_module_cache_misses_total",
			Help: "Total number of module cache misses (compiles).",
		}),
	}

	reg.MustRegister(
		r.processesSpawnedTotal,
		r.processesExitedTotal,
		r.processesActive,
		r.fuelExhaustionsTotal,
		r.mailboxDepth,
		r.signalsTotal,
		r.moduleCacheHits,
		r.moduleCacheMiss,
	)
	return r
}

// ProcessSpawned records a new process entering the environment.
func (r *Registry) ProcessSpawned() {
	r.processesSpawnedTotal.Inc()
	r.processesActive.Inc()
}

// ProcessExited records a process leaving the environment under reason
// (one of "normal", "failure", "killed").
func (r *Registry) ProcessExited(reason string) {
	r.processesExitedTotal.WithLabelValues(reason).Inc()
	r.processesActive.Dec()
}

// FuelExhausted records one fuel-quantum yield.
func (r *Registry) FuelExhausted() { r.fuelExhaustionsTotal.Inc() }

// MailboxDepthObserved records a mailbox's depth at the moment a message
// was delivered into it.
func (r *Registry) MailboxDepthObserved(depth int) { r.mailboxDepth.Observe(float64(depth)) }

// SignalApplied records one control signal of the given kind being
// applied to a process's state.
func (r *Registry) SignalApplied(kind string) { r.signalsTotal.WithLabelValues(kind).Inc() }

// ModuleCacheHit/ModuleCacheMiss record module cache lookups.
func (r *Registry) ModuleCacheHit()  { r.moduleCacheHits.Inc() }
func (r *Registry) ModuleCacheMiss() { r.moduleCacheMiss.Inc() }
