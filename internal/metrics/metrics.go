package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics.
type Registry struct {
	*prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Replay metrics
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runsActive     *prometheus.GaugeVec
	barsProcessed  prometheus.Counter
	ticksSimulated prometheus.Counter
	strategyErrors prometheus.Counter
	breakerTrips   prometheus.Counter
	cachedSeries   prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	r.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_runs_total",
			Help: "Total number of backtest runs by terminal status",
		},
		[]string{"status"},
	)
	r.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replay_run_duration_seconds",
			Help:    "Backtest run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
		},
	)
	r.runsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replay_runs_active",
			Help: "Number of runs currently executing",
		},
		[]string{"tier"},
	)
	r.barsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_bars_processed_total",
			Help: "Total number of bars replayed",
		},
	)
	r.ticksSimulated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_ticks_simulated_total",
			Help: "Total number of synthetic ticks generated",
		},
	)
	r.strategyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_strategy_errors_total",
			Help: "Total number of recoverable per-bar strategy errors",
		},
	)
	r.breakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_breaker_trips_total",
			Help: "Total number of strategy circuit breaker trips",
		},
	)
	r.cachedSeries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replay_cached_series",
			Help: "Number of bar series held by the in-memory cache",
		},
	)

	reg.MustRegister(r.runsTotal)
	reg.MustRegister(r.runDuration)
	reg.MustRegister(r.runsActive)
	reg.MustRegister(r.barsProcessed)
	reg.MustRegister(r.ticksSimulated)
	reg.MustRegister(r.strategyErrors)
	reg.MustRegister(r.breakerTrips)
	reg.MustRegister(r.cachedSeries)

	return r
}

// Handler returns the scrape endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}

// RecordRequest records metrics for an HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration float64) {
	statusStr := statusToString(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	r.httpRequestsInFlight.Dec()
}

// RecordRun records a finished run with its terminal status.
func (r *Registry) RecordRun(status string, duration float64) {
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(duration)
}

// RunStarted and RunFinished track the per-tier active gauge.
func (r *Registry) RunStarted(tier string) {
	r.runsActive.WithLabelValues(tier).Inc()
}

func (r *Registry) RunFinished(tier string) {
	r.runsActive.WithLabelValues(tier).Dec()
}

// AddBars adds to the replayed bar counter.
func (r *Registry) AddBars(n int) {
	r.barsProcessed.Add(float64(n))
}

// AddTicks adds to the synthetic tick counter.
func (r *Registry) AddTicks(n int64) {
	r.ticksSimulated.Add(float64(n))
}

// AddStrategyErrors adds to the recoverable strategy error counter.
func (r *Registry) AddStrategyErrors(n int) {
	r.strategyErrors.Add(float64(n))
}

// RecordBreakerTrip counts a circuit breaker abort.
func (r *Registry) RecordBreakerTrip() {
	r.breakerTrips.Inc()
}

// SetCachedSeries sets the series cache size gauge.
func (r *Registry) SetCachedSeries(n int) {
	r.cachedSeries.Set(float64(n))
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
