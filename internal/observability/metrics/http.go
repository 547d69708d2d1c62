package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

const namespace = "fke"

// HTTPServerMetrics covers the API surface and the retrieval engine behind it.
// It satisfies usecase.RetrievalObserver and resilience.BreakerObserver.
type HTTPServerMetrics struct {
	breakerMetrics

	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	contextRequestsTotal *prometheus.CounterVec
	contextEntries       *prometheus.HistogramVec
	contextDuration      *prometheus.HistogramVec
	profileResultsTotal  *prometheus.CounterVec
	profileDegraded      *prometheus.CounterVec
	reloadsTotal         *prometheus.CounterVec
	profileChunks        *prometheus.GaugeVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	contextRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "context_requests_total",
			Help:      "Total context requests by outcome.",
		},
		[]string{"service", "endpoint", "outcome"},
	)
	contextEntries := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "context_entries",
			Help:      "Distribution of context entries returned per request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service", "endpoint"},
	)
	contextDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Context retrieval duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	profileResultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "profile_results_total",
			Help:      "Chunks contributed by each profile search.",
		},
		[]string{"service", "profile"},
	)
	profileDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "profile_degraded_total",
			Help:      "Profile searches that failed and contributed nothing.",
		},
		[]string{"service", "profile"},
	)
	reloadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "knowledge",
			Name:      "reloads_total",
			Help:      "Knowledge base reloads by status.",
		},
		[]string{"service", "status"},
	)
	profileChunks := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "knowledge",
			Name:      "profile_chunks",
			Help:      "Chunks loaded per profile in the live snapshot.",
		},
		[]string{"service", "profile"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		contextRequestsTotal,
		contextEntries,
		contextDuration,
		profileResultsTotal,
		profileDegraded,
		reloadsTotal,
		profileChunks,
	)
	breakers := newBreakerMetrics(service)
	registry.MustRegister(breakers.collectors()...)

	return &HTTPServerMetrics{
		breakerMetrics:       breakers,
		registry:             registry,
		service:              service,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		contextRequestsTotal: contextRequestsTotal,
		contextEntries:       contextEntries,
		contextDuration:      contextDuration,
		profileResultsTotal:  profileResultsTotal,
		profileDegraded:      profileDegraded,
		reloadsTotal:         reloadsTotal,
		profileChunks:        profileChunks,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

var knownPaths = map[string]struct{}{
	"/healthz":            {},
	"/metrics":            {},
	"/v1/context":         {},
	"/v1/profiles":        {},
	"/v1/profiles/detect": {},
	"/v1/admin/reload":    {},
	"/v1/admin/ingest":    {},
}

func normalizePath(path string) string {
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

// RecordContext observes one context request. An empty context is a valid
// outcome and is counted apart from failures.
func (m *HTTPServerMetrics) RecordContext(endpoint string, entries int, duration time.Duration, err error) {
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case entries == 0:
		outcome = "empty"
	}
	m.contextRequestsTotal.WithLabelValues(m.service, endpoint, outcome).Inc()
	m.contextDuration.WithLabelValues(m.service, endpoint).Observe(duration.Seconds())
	if err == nil {
		m.contextEntries.WithLabelValues(m.service, endpoint).Observe(float64(entries))
	}
}

func (m *HTTPServerMetrics) ProfileSearched(profile domain.Profile, results int) {
	m.profileResultsTotal.WithLabelValues(m.service, profile.String()).Add(float64(results))
}

func (m *HTTPServerMetrics) ProfileDegraded(profile domain.Profile) {
	m.profileDegraded.WithLabelValues(m.service, profile.String()).Inc()
}

func (m *HTTPServerMetrics) RecordReload(stats []domain.ProfileStats, err error) {
	if err != nil {
		m.reloadsTotal.WithLabelValues(m.service, "error").Inc()
		return
	}
	m.reloadsTotal.WithLabelValues(m.service, "success").Inc()
	for _, s := range stats {
		m.profileChunks.WithLabelValues(m.service, s.Profile.String()).Set(float64(s.Chunks))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
