package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/wasm-process/process"
	"github.com/wippyai/wasm-process/scheduler"
)

const metricsNamespace = "wasm_process"

// Metrics holds the prometheus collectors of one runtime. Each runtime has
// its own registry so several runtimes can live in one program.
type Metrics struct {
	registry *prometheus.Registry

	spawned      prometheus.Counter
	exits        *prometheus.CounterVec
	quanta       *prometheus.CounterVec
	quantumTime  prometheus.Histogram
	steals       prometheus.Counter
	deadLetters  prometheus.Counter
	loads        *prometheus.CounterVec
	modulesGauge prometheus.Gauge
}

func newMetrics(live func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "process",
			Name:      "spawned_total",
			Help:      "Processes spawned.",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Process exits by reason kind.",
		}, []string{"reason"}),
		quanta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "quanta_total",
			Help:      "Quanta run by verdict.",
		}, []string{"verdict"}),
		quantumTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "quantum_duration_seconds",
			Help:      "Wall time of one quantum.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		steals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "stolen_total",
			Help:      "Runnables moved between workers by stealing.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mailbox",
			Name:      "dead_letters_total",
			Help:      "Messages that could not be delivered.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "runtime",
			Name:      "module_loads_total",
			Help:      "Module loads by result.",
		}, []string{"result"}),
		modulesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "runtime",
			Name:      "modules_loaded",
			Help:      "Modules currently loaded.",
		}),
	}
	liveGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "process",
		Name:      "live",
		Help:      "Processes currently registered.",
	}, live)

	m.registry.MustRegister(
		m.spawned, m.exits, m.quanta, m.quantumTime, m.steals,
		m.deadLetters, m.loads, m.modulesGauge, liveGauge,
	)
	return m
}

// Registry returns the registry holding the runtime's collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Quantum implements scheduler.Observer.
func (m *Metrics) Quantum(_ int, v scheduler.Verdict, elapsed time.Duration) {
	m.quanta.WithLabelValues(v.String()).Inc()
	m.quantumTime.Observe(elapsed.Seconds())
}

// Steal implements scheduler.Observer.
func (m *Metrics) Steal(_, n int) {
	m.steals.Add(float64(n))
}

func (m *Metrics) recordExit(r process.Reason) {
	m.exits.WithLabelValues(r.Kind.String()).Inc()
}

func (m *Metrics) recordLoad(err error) {
	if err != nil {
		m.loads.WithLabelValues("error").Inc()
		return
	}
	m.loads.WithLabelValues("ok").Inc()
	m.modulesGauge.Inc()
}
