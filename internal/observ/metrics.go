package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector exported on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	sourcePolls = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_source_polls_total",
		Help: "Source polls by outcome (ok, no_opinion, unavailable, circuit_open, rate_limited)",
	}, []string{"source", "outcome"})

	sourceLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consensus_source_latency_seconds",
		Help:    "Latency of source fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consensus_breaker_state",
		Help: "Circuit breaker state per source (0 closed, 1 half-open, 2 open)",
	}, []string{"source"})

	breakerTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"source", "from", "to"})

	sourceWeight = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consensus_source_weight",
		Help: "Current adaptive weight per source",
	}, []string{"source"})

	signalsEmitted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_signals_emitted_total",
		Help: "Signals emitted by symbol and direction",
	}, []string{"symbol", "direction"})

	signalsSuppressed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_signals_suppressed_total",
		Help: "Cycles that ended without a signal, by reason",
	}, []string{"reason"})

	earlyExits = factory.NewCounter(prometheus.CounterOpts{
		Name: "consensus_early_exits_total",
		Help: "Cycles that skipped lower-weight sources",
	})

	aggregateConfidence = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "consensus_aggregate_confidence",
		Help:    "Aggregate confidence of emitted signals",
		Buckets: prometheus.LinearBuckets(50, 5, 11),
	})

	sinkEmits = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_sink_emits_total",
		Help: "Signal hand-offs to downstream collaborators",
	}, []string{"sink", "outcome"})

	backtestRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_backtest_runs_total",
		Help: "Backtest runs by outcome",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func ObservePoll(source, outcome string, d time.Duration) {
	sourcePolls.WithLabelValues(source, outcome).Inc()
	if d > 0 {
		sourceLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}

func SetBreakerState(source string, state float64) {
	breakerState.WithLabelValues(source).Set(state)
}

func IncBreakerTransition(source, from, to string) {
	breakerTransitions.WithLabelValues(source, from, to).Inc()
}

func SetWeight(source string, w float64) {
	sourceWeight.WithLabelValues(source).Set(w)
}

func IncSignal(symbol, direction string, confidence float64) {
	signalsEmitted.WithLabelValues(symbol, direction).Inc()
	aggregateConfidence.Observe(confidence)
}

func IncSuppressed(reason string) {
	signalsSuppressed.WithLabelValues(reason).Inc()
}

func IncEarlyExit() {
	earlyExits.Inc()
}

func IncSinkEmit(sink, outcome string) {
	sinkEmits.WithLabelValues(sink, outcome).Inc()
}

func IncBacktestRun(outcome string) {
	backtestRuns.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

var (
	startTime = time.Now()
	version   = "dev" // set via build flags
)

func SetVersion(v string) { version = v }

func Version() string { return version }

func Uptime() time.Duration { return time.Since(startTime) }
