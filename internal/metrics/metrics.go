// Package metrics provides Prometheus collectors for appstrap.
//
// SupervisorMetrics records subsystem lifecycles and shutdown transitions;
// AppMetrics records work done by the sample subsystem. All methods are
// nil-safe: calls on a nil receiver are no-ops, so components can run
// without metrics wired in.
//
// Example usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewSupervisorMetrics(reg)
//	sup := supervisor.New(supervisor.Options{Metrics: m})
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appstrap"

// Subsystem outcomes used as label values
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
	OutcomeAbandoned = "abandoned"
)

// SupervisorMetrics tracks subsystem supervision
type SupervisorMetrics struct {
	// SubsystemsRunning is the number of subsystems currently executing.
	SubsystemsRunning prometheus.Gauge

	// SubsystemExits counts finished subsystems by name and outcome.
	SubsystemExits *prometheus.CounterVec

	// SubsystemDuration observes how long each subsystem ran.
	SubsystemDuration *prometheus.HistogramVec

	// Shutdowns counts shutdown transitions by cause.
	Shutdowns *prometheus.CounterVec

	// ShutdownDuration observes the time between the shutdown trigger and the
	// terminal state.
	ShutdownDuration prometheus.Histogram
}

// NewSupervisorMetrics creates supervisor metrics and registers them with
// reg. If reg is nil, metrics are created but not registered.
func NewSupervisorMetrics(reg prometheus.Registerer) *SupervisorMetrics {
	m := &SupervisorMetrics{
		SubsystemsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "subsystems_running",
			Help:      "Number of subsystems currently running",
		}),
		SubsystemExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "subsystem_exits_total",
			Help:      "Total number of subsystem exits by outcome",
		}, []string{"subsystem", "outcome"}),
		SubsystemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "subsystem_duration_seconds",
			Help:      "Run time of subsystems",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"subsystem"}),
		Shutdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "shutdowns_total",
			Help:      "Total number of shutdown transitions by cause",
		}, []string{"cause"}),
		ShutdownDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "shutdown_duration_seconds",
			Help:      "Time from shutdown trigger to stop",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		m.SubsystemsRunning = registerOrReuse(reg, m.SubsystemsRunning).(prometheus.Gauge)
		m.SubsystemExits = registerOrReuse(reg, m.SubsystemExits).(*prometheus.CounterVec)
		m.SubsystemDuration = registerOrReuse(reg, m.SubsystemDuration).(*prometheus.HistogramVec)
		m.Shutdowns = registerOrReuse(reg, m.Shutdowns).(*prometheus.CounterVec)
		m.ShutdownDuration = registerOrReuse(reg, m.ShutdownDuration).(prometheus.Histogram)
	}

	return m
}

// SubsystemStarted records a subsystem entering the running set.
func (m *SupervisorMetrics) SubsystemStarted() {
	if m == nil {
		return
	}
	m.SubsystemsRunning.Inc()
}

// SubsystemStopped records a subsystem leaving the running set.
func (m *SupervisorMetrics) SubsystemStopped(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubsystemsRunning.Dec()
	m.SubsystemExits.WithLabelValues(name, outcome).Inc()
	m.SubsystemDuration.WithLabelValues(name).Observe(d.Seconds())
}

// SubsystemAbandoned records a subsystem still running when the grace
// period expired. It stays counted in SubsystemsRunning.
func (m *SupervisorMetrics) SubsystemAbandoned(name string) {
	if m == nil {
		return
	}
	m.SubsystemExits.WithLabelValues(name, OutcomeAbandoned).Inc()
}

// ShutdownTriggered records the transition into the shutting down state.
func (m *SupervisorMetrics) ShutdownTriggered(cause string) {
	if m == nil {
		return
	}
	m.Shutdowns.WithLabelValues(cause).Inc()
}

// ShutdownFinished records how long the shutdown phase took.
func (m *SupervisorMetrics) ShutdownFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.ShutdownDuration.Observe(d.Seconds())
}

// AppMetrics tracks the sample workload
type AppMetrics struct {
	// Ticks counts completed tick iterations.
	Ticks prometheus.Counter
}

// NewAppMetrics creates workload metrics and registers them with reg.
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "ticks_total",
			Help:      "Total number of ticks performed",
		}),
	}

	if reg != nil {
		m.Ticks = registerOrReuse(reg, m.Ticks).(prometheus.Counter)
	}

	return m
}

// Tick records one loop iteration.
func (m *AppMetrics) Tick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

// Handler returns an HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// registerOrReuse registers c, returning the already registered collector
// when an identical one exists.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
