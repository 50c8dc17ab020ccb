package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for the retrieval pipeline and for
// inbound HTTP requests.
type Collector struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	upstreamCalls    *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	parseFailures    prometheus.Counter
	dedupDropped     prometheus.Counter
	segmentsPlanned  prometheus.Counter
	circuitState     *prometheus.GaugeVec
	supplementEvents prometheus.Counter
}

// NewCollector constructs a collector with default histograms/counters.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timeweave",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeweave",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	upstreamCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timeweave",
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Upstream provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timeweave",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for upstream provider calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
	}, []string{"provider"})

	parseFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timeweave",
		Subsystem: "pipeline",
		Name:      "parse_failures_total",
		Help:      "Responses from which no candidate could be extracted.",
	})

	dedupDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timeweave",
		Subsystem: "pipeline",
		Name:      "dedup_dropped_total",
		Help:      "Candidates dropped as near-duplicates during merge.",
	})

	segmentsPlanned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timeweave",
		Subsystem: "pipeline",
		Name:      "segments_planned_total",
		Help:      "Time segments planned across all runs.",
	})

	circuitState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "timeweave",
		Subsystem: "upstream",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open).",
	}, []string{"provider"})

	supplementEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timeweave",
		Subsystem: "pipeline",
		Name:      "supplemented_events_total",
		Help:      "Events added by the sufficiency gate's supplemental generation.",
	})

	collectors := []prometheus.Collector{
		requestDuration, requestTotal, upstreamCalls, upstreamLatency,
		parseFailures, dedupDropped, segmentsPlanned, circuitState,
		supplementEvents,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		registry:         registry,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		upstreamCalls:    upstreamCalls,
		upstreamLatency:  upstreamLatency,
		parseFailures:    parseFailures,
		dedupDropped:     dedupDropped,
		segmentsPlanned:  segmentsPlanned,
		circuitState:     circuitState,
		supplementEvents: supplementEvents,
	}, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveUpstreamCall records one upstream attempt.
func (c *Collector) ObserveUpstreamCall(provider, outcome string, duration time.Duration) {
	c.upstreamCalls.WithLabelValues(provider, outcome).Inc()
	c.upstreamLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordParseFailure counts a response that yielded no candidates.
func (c *Collector) RecordParseFailure() {
	c.parseFailures.Inc()
}

// RecordDedupDropped counts candidates removed during merge.
func (c *Collector) RecordDedupDropped(n int) {
	c.dedupDropped.Add(float64(n))
}

// RecordSegmentsPlanned counts segments produced by the planner.
func (c *Collector) RecordSegmentsPlanned(n int) {
	c.segmentsPlanned.Add(float64(n))
}

// SetCircuitState publishes the current breaker state for a provider.
func (c *Collector) SetCircuitState(provider string, state int) {
	c.circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordSupplemented counts events added by supplemental generation.
func (c *Collector) RecordSupplemented(n int) {
	c.supplementEvents.Add(float64(n))
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
