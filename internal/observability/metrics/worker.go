package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/usecase"
)

// WorkerMetrics covers ingestion runs. It satisfies usecase.IngestObserver and
// resilience.BreakerObserver.
type WorkerMetrics struct {
	breakerMetrics

	registry *prometheus.Registry
	service  string

	documentsTotal *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runsInFlight   prometheus.Gauge
	newEmbeddings  prometheus.Counter
	cacheLookups   *prometheus.GaugeVec
	providerCalls  prometheus.Gauge
	queueLag       *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Ingested documents by profile and status.",
		},
		[]string{"service", "profile", "status"},
	)
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Ingestion runs by status.",
		},
		[]string{"service", "status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds by status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"service", "status"},
	)
	runsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_in_flight",
			Help:      "Number of in-flight ingestion runs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	newEmbeddings := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "new_embeddings_total",
			Help:      "Embeddings created by ingestion runs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	cacheLookups := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "embedding_cache",
			Name:      "lookups",
			Help:      "Embedding cache lookups since process start by result.",
		},
		[]string{"service", "result"},
	)
	providerCalls := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "embedding_cache",
			Name:      "provider_calls",
			Help:      "Embedding provider batch calls since process start.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_lag_seconds",
			Help:      "Delay between an ingest request and its processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(documentsTotal, runsTotal, runDuration, runsInFlight, newEmbeddings, cacheLookups, providerCalls, queueLag)
	breakers := newBreakerMetrics(service)
	registry.MustRegister(breakers.collectors()...)

	return &WorkerMetrics{
		breakerMetrics: breakers,
		registry:       registry,
		service:        service,
		documentsTotal: documentsTotal,
		runsTotal:      runsTotal,
		runDuration:    runDuration,
		runsInFlight:   runsInFlight,
		newEmbeddings:  newEmbeddings,
		cacheLookups:   cacheLookups,
		providerCalls:  providerCalls,
		queueLag:       queueLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) DocumentProcessed(profile domain.Profile, status string) {
	label := profile.String()
	if label == "" {
		label = "unknown"
	}
	m.documentsTotal.WithLabelValues(m.service, label, status).Inc()
}

func (m *WorkerMetrics) RunFinished(report domain.IngestReport, stats usecase.EmbeddingCacheStats) {
	m.newEmbeddings.Add(float64(report.NewEmbeddings))
	m.cacheLookups.WithLabelValues(m.service, "hit").Set(float64(stats.Hits))
	m.cacheLookups.WithLabelValues(m.service, "miss").Set(float64(stats.Misses))
	m.providerCalls.Set(float64(stats.ProviderCalls))
}

func (m *WorkerMetrics) StartRun() {
	m.runsInFlight.Inc()
}

func (m *WorkerMetrics) FinishRun(duration time.Duration, err error) {
	m.runsInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.runsTotal.WithLabelValues(m.service, status).Inc()
	m.runDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
