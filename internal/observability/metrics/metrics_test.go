package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/usecase"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/resilience"
)

var (
	_ usecase.RetrievalObserver  = (*HTTPServerMetrics)(nil)
	_ usecase.IngestObserver     = (*WorkerMetrics)(nil)
	_ resilience.BreakerObserver = (*HTTPServerMetrics)(nil)
	_ resilience.BreakerObserver = (*WorkerMetrics)(nil)
)

func TestHTTPServerMetricsRetrieval(t *testing.T) {
	m := NewHTTPServerMetrics("api")

	m.ProfileSearched(domain.ProfileAndorra, 3)
	m.ProfileSearched(domain.ProfileAndorra, 2)
	m.ProfileDegraded(domain.ProfileSwitzerland)
	m.RecordContext("/v1/context", 0, time.Millisecond, nil)
	m.RecordContext("/v1/context", 0, time.Millisecond, errors.New("boom"))
	m.RecordReload([]domain.ProfileStats{{Profile: domain.ProfileLuxembourg, Chunks: 42}}, nil)

	if got := testutil.ToFloat64(m.profileResultsTotal.WithLabelValues("api", "AD")); got != 5 {
		t.Fatalf("expected 5 AD results, got %v", got)
	}
	if got := testutil.ToFloat64(m.profileDegraded.WithLabelValues("api", "CH")); got != 1 {
		t.Fatalf("expected 1 degraded CH search, got %v", got)
	}
	if got := testutil.ToFloat64(m.contextRequestsTotal.WithLabelValues("api", "/v1/context", "empty")); got != 1 {
		t.Fatalf("expected one empty context, got %v", got)
	}
	if got := testutil.ToFloat64(m.contextRequestsTotal.WithLabelValues("api", "/v1/context", "error")); got != 1 {
		t.Fatalf("expected one failed context, got %v", got)
	}
	if got := testutil.ToFloat64(m.profileChunks.WithLabelValues("api", "LU")); got != 42 {
		t.Fatalf("expected 42 LU chunks, got %v", got)
	}
}

func TestHTTPServerMetricsMiddlewareNormalizesPaths(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	for _, path := range []string{"/v1/context", "/random/1", "/random/2"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", "GET", "/v1/context", "418")); got != 1 {
		t.Fatalf("expected known path to be kept, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", "GET", "other", "418")); got != 2 {
		t.Fatalf("expected unknown paths to collapse, got %v", got)
	}
}

func TestWorkerMetricsRun(t *testing.T) {
	m := NewWorkerMetrics("worker")

	m.StartRun()
	m.DocumentProcessed(domain.ProfileFRParticulier, "ingested")
	m.DocumentProcessed("", "failed")
	m.RunFinished(domain.IngestReport{NewEmbeddings: 7}, usecase.EmbeddingCacheStats{Hits: 3, Misses: 7, ProviderCalls: 1})
	m.FinishRun(time.Second, nil)

	if got := testutil.ToFloat64(m.documentsTotal.WithLabelValues("worker", "unknown", "failed")); got != 1 {
		t.Fatalf("expected unknown profile label, got %v", got)
	}
	if got := testutil.ToFloat64(m.newEmbeddings); got != 7 {
		t.Fatalf("expected 7 new embeddings, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("worker", "hit")); got != 3 {
		t.Fatalf("expected 3 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsInFlight); got != 0 {
		t.Fatalf("expected no run in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("worker", "success")); got != 1 {
		t.Fatalf("expected one successful run, got %v", got)
	}
}

func TestBreakerTransitionsFollowEmbeddingProvider(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	exec := resilience.NewExecutor(resilience.Config{
		BreakerEnabled:     true,
		BreakerMinRequests: 1,
		BreakerOpenTimeout: time.Hour,
	}, resilience.WithBreakerObserver(m))

	_ = exec.Execute(context.Background(), "embedding.embed", func(context.Context) error {
		return errors.New("provider unavailable")
	}, nil)

	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("api", "embedding.embed")); got != 2 {
		t.Fatalf("expected open breaker gauge, got %v", got)
	}
	if got := testutil.ToFloat64(m.breakerTransitions.WithLabelValues("api", "embedding.embed", "open")); got != 1 {
		t.Fatalf("expected one transition to open, got %v", got)
	}
}

func TestWorkerBreakerGaugeTracksRecovery(t *testing.T) {
	m := NewWorkerMetrics("worker")

	m.BreakerTransition("nats.publish_ingest", "closed", "open")
	m.BreakerTransition("nats.publish_ingest", "open", "half-open")
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("worker", "nats.publish_ingest")); got != 1 {
		t.Fatalf("expected half-open gauge, got %v", got)
	}
	m.BreakerTransition("nats.publish_ingest", "half-open", "closed")
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("worker", "nats.publish_ingest")); got != 0 {
		t.Fatalf("expected closed gauge, got %v", got)
	}
	if got := testutil.CollectAndCount(m.breakerTransitions); got != 3 {
		t.Fatalf("expected 3 transition series, got %d", got)
	}
}
