package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/chunking"
)

// newEmbeddingServer answers /embeddings with keyword-count vectors.
func newEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	keywords := []string{"andorr", "irpf", "plus-value"}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i, text := range req.Input {
			lower := strings.ToLower(text)
			vec := make([]float32, len(keywords)+1)
			for k, kw := range keywords {
				vec[k] = float32(strings.Count(lower, kw))
			}
			vec[len(keywords)] = 1
			data = append(data, item{Index: i, Embedding: vec})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cache := t.TempDir()
	return config.Config{
		EmbeddingBaseURL: baseURL,
		EmbeddingAPIKey:  "test-key",
		EmbeddingModel:   "test-model",
		EmbeddingTimeout: 5 * time.Second,

		CachePath:    cache,
		ManifestPath: filepath.Join(cache, "sources.json"),

		ChunkMaxWords:     200,
		ChunkOverlapWords: 20,
		ChunkMinChars:     20,
		EmbedBatchSize:    8,

		SearchMaxProfiles:    3,
		SearchTopKPerProfile: 5,
		SearchMaxResults:     8,
		SearchMinConfidence:  0.05,

		DetectorLexicalWeight:  0.7,
		DetectorSemanticWeight: 0.3,
		DetectorSemanticFloor:  0.35,

		ContextMaxChars: 6000,

		ResilienceRetryMaxAttempts: 1,
	}
}

func writeCorpusFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAppIngestsAndAnswersAcrossProfiles(t *testing.T) {
	server := newEmbeddingServer(t)
	defer server.Close()

	ctx := context.Background()
	cfg := testConfig(t, server.URL)
	corpus := t.TempDir()
	writeCorpusFile(t, corpus, "andorre/irpf.txt", "Le taux IRPF en Andorre est plafonné à 10 pour cent pour les résidents.")
	writeCorpusFile(t, corpus, "particulier/plus-values.txt", "La plus-value immobilière des particuliers est soumise au prélèvement.")

	app, err := New(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	report, err := app.IngestUC.IngestCorpus(ctx, corpus)
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if report.DocumentsSeen != 2 || report.NewEmbeddings != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if err := app.Knowledge.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	entries, err := app.ContextUC.AnswerContext(ctx, "Quel est le taux IRPF en Andorre ?")
	if err != nil {
		t.Fatalf("AnswerContext() error = %v", err)
	}
	if len(entries) == 0 || entries[0].Profile != domain.ProfileAndorra {
		t.Fatalf("expected AD passage first, got %+v", entries)
	}
	if entries[0].SourceID != "andorre/irpf.txt" {
		t.Fatalf("unexpected source %q", entries[0].SourceID)
	}

	again, err := app.IngestUC.IngestCorpus(ctx, corpus)
	if err != nil {
		t.Fatalf("second IngestCorpus() error = %v", err)
	}
	if again.NewEmbeddings != 0 || again.DocumentsSkip != 2 {
		t.Fatalf("expected unchanged corpus on rerun, got %+v", again)
	}
	if app.IngestRequester() != nil {
		t.Fatalf("expected no ingest requester without NATS")
	}
}

func TestNewRequiresEmbeddingKey(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.EmbeddingAPIKey = ""
	if _, err := New(context.Background(), cfg, Options{}); !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDetectorConfigMergesMarkerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte("profiles:\n  AD:\n    - term: \"massana\"\n      weight: 0.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.ProfilesConfigPath = path

	out, err := detectorConfig(cfg)
	if err != nil {
		t.Fatalf("detectorConfig() error = %v", err)
	}
	ad := out.Markers[domain.ProfileAndorra]
	if len(ad) < 2 || ad[len(ad)-1].Term != "massana" {
		t.Fatalf("expected appended AD marker, got %+v", ad)
	}
	if len(out.Markers[domain.ProfileSwitzerland]) == 0 {
		t.Fatalf("expected built-in CH markers to be kept")
	}
}

func TestDetectorConfigReplacesMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	body := "replace_defaults: true\nprofiles:\n  LU:\n    - term: \"soparfi\"\n      weight: 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.ProfilesConfigPath = path

	out, err := detectorConfig(cfg)
	if err != nil {
		t.Fatalf("detectorConfig() error = %v", err)
	}
	if len(out.Markers) != 1 || len(out.Markers[domain.ProfileLuxembourg]) != 1 {
		t.Fatalf("expected only LU markers, got %+v", out.Markers)
	}
	if out.LexicalWeight != 0.7 || out.SemanticFloor != 0.35 {
		t.Fatalf("unexpected weights %+v", out)
	}
}

func TestSearchConfigUsesNormalisedWindow(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.ChunkMaxWords = 0
	cfg.ChunkOverlapWords = 200

	splitter := chunking.NewSplitter(cfg.ChunkMaxWords, cfg.ChunkOverlapWords, cfg.ChunkMinChars)
	got := searchConfig(cfg, splitter)
	if got.MaxWords != 1000 || got.Step != 800 {
		t.Fatalf("expected the splitter window 1000/800, got %d/%d", got.MaxWords, got.Step)
	}
	if got.MaxWords != splitter.MaxWords || got.Step != splitter.Step() {
		t.Fatalf("search window %d/%d differs from splitter %d/%d", got.MaxWords, got.Step, splitter.MaxWords, splitter.Step())
	}
}
