package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

type walkItem struct {
	doc domain.Document
	err error
}

type sourceFake struct {
	items []walkItem
}

func (f *sourceFake) Walk(ctx context.Context, _ string, fn func(domain.Document, error) error) error {
	for _, item := range f.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(item.doc, item.err); err != nil {
			return err
		}
	}
	return nil
}

type manifestFake struct {
	records map[string]domain.SourceRecord
	getErr  error
}

func newManifestFake() *manifestFake {
	return &manifestFake{records: make(map[string]domain.SourceRecord)}
}

func (f *manifestFake) Get(_ context.Context, id string) (domain.SourceRecord, bool, error) {
	if f.getErr != nil {
		return domain.SourceRecord{}, false, f.getErr
	}
	rec, ok := f.records[id]
	return rec, ok, nil
}

func (f *manifestFake) Put(_ context.Context, rec domain.SourceRecord) error {
	f.records[rec.SourceID] = rec
	return nil
}

// chunkerFake splits on "|" and drops pieces shorter than three characters.
type chunkerFake struct{}

func (chunkerFake) Split(text string) []string { return strings.Split(text, "|") }
func (chunkerFake) Keep(chunk string) bool     { return len(strings.TrimSpace(chunk)) >= 3 }

type publisherFake struct {
	reasons []string
	err     error
}

func (f *publisherFake) PublishReload(_ context.Context, reason string) error {
	f.reasons = append(f.reasons, reason)
	return f.err
}

type ingestObserverFake struct {
	statuses map[string]int
	runs     int
}

func (f *ingestObserverFake) DocumentProcessed(_ domain.Profile, status string) {
	if f.statuses == nil {
		f.statuses = make(map[string]int)
	}
	f.statuses[status]++
}

func (f *ingestObserverFake) RunFinished(domain.IngestReport, EmbeddingCacheStats) { f.runs++ }

func testDocument(profile domain.Profile, sourceID, text, digest string) domain.Document {
	return domain.Document{SourceID: sourceID, Profile: profile, Path: sourceID, Text: text, Digest: digest}
}

type ingestFixture struct {
	source    *sourceFake
	store     *memStoreFake
	provider  *providerFake
	manifest  *manifestFake
	publisher *publisherFake
	observer  *ingestObserverFake
	uc        *IngestCorpusUseCase
}

func newIngestFixture(t *testing.T, items ...walkItem) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		source:    &sourceFake{items: items},
		store:     newMemStoreFake(),
		provider:  &providerFake{},
		manifest:  newManifestFake(),
		publisher: &publisherFake{},
		observer:  &ingestObserverFake{},
	}
	f.uc = f.build(t)
	return f
}

// build wires a fresh cache over the same store, as a restarted process would.
func (f *ingestFixture) build(t *testing.T) *IngestCorpusUseCase {
	t.Helper()
	cache := newTestCache(t, f.store, f.provider, 16)
	return NewIngestCorpusUseCase(f.source, chunkerFake{}, cache, f.store, f.manifest, f.publisher, f.observer)
}

func TestIngestCorpusEmbedsEveryChunk(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileFRParticulier, "fr/pv.txt", "plus-value immobilière|x|abattement", "d1")},
		walkItem{doc: testDocument(domain.ProfileAndorra, "ad/irpf.txt", "irpf andorre", "d2")},
	)

	report, err := f.uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if report.RunID == "" {
		t.Fatalf("expected run id")
	}
	if report.DocumentsSeen != 2 || report.Chunks != 3 || report.NewEmbeddings != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, ok := f.store.items[memKey("test-model", "fr/pv.txt#00002")]; !ok {
		t.Fatalf("expected window index to be kept in the chunk id")
	}
	if _, ok := f.store.items[memKey("test-model", "fr/pv.txt#00001")]; ok {
		t.Fatalf("short window must not be embedded")
	}
	rec := f.manifest.records["fr/pv.txt"]
	if rec.ChunkCount != 3 || rec.Digest != "d1" || rec.Profile != domain.ProfileFRParticulier {
		t.Fatalf("unexpected manifest record %+v", rec)
	}
	if len(f.publisher.reasons) != 1 {
		t.Fatalf("expected reload to be published once, got %v", f.publisher.reasons)
	}
	if f.observer.statuses[documentStatusIngested] != 2 || f.observer.runs != 1 {
		t.Fatalf("unexpected observer state %+v", f.observer)
	}
}

func TestIngestCorpusRerunDoesNotCallProvider(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileLuxembourg, "lu/a.txt", "luxembourg salaire|luxembourg dividende", "d1")},
	)
	if _, err := f.uc.IngestCorpus(context.Background(), "/corpus"); err != nil {
		t.Fatalf("first IngestCorpus() error = %v", err)
	}
	callsAfterFirst := f.provider.calls.Load()
	if callsAfterFirst == 0 {
		t.Fatalf("expected provider calls on first run")
	}

	report, err := f.build(t).IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("second IngestCorpus() error = %v", err)
	}
	if f.provider.calls.Load() != callsAfterFirst {
		t.Fatalf("expected zero provider calls on rerun, got %d", f.provider.calls.Load()-callsAfterFirst)
	}
	if report.DocumentsSkip != 1 || report.NewEmbeddings != 0 {
		t.Fatalf("unexpected rerun report %+v", report)
	}
	if len(f.publisher.reasons) != 1 {
		t.Fatalf("rerun without new embeddings must not publish reload")
	}
}

func TestIngestCorpusResumesWithoutManifestEntry(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileSwitzerland, "ch/a.txt", "suisse canton|suisse salaire", "d1")},
	)
	if _, err := f.uc.IngestCorpus(context.Background(), "/corpus"); err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	// Simulate a crash between the artifact writes and the manifest write.
	delete(f.manifest.records, "ch/a.txt")
	calls := f.provider.calls.Load()

	report, err := f.build(t).IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if f.provider.calls.Load() != calls || report.NewEmbeddings != 0 || report.Chunks != 2 {
		t.Fatalf("expected cached chunks to be reused, report %+v", report)
	}
}

func TestIngestCorpusReplacesChangedSource(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileFRParticulier, "fr/a.txt", "ancien texte|deuxième fenêtre", "v1")},
	)
	if _, err := f.uc.IngestCorpus(context.Background(), "/corpus"); err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}

	f.source.items = []walkItem{
		{doc: testDocument(domain.ProfileFRParticulier, "fr/a.txt", "nouveau texte", "v2")},
	}
	uc := f.build(t)
	report, err := uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if report.NewEmbeddings != 1 {
		t.Fatalf("expected the new version to be embedded, got %+v", report)
	}
	emb, ok := f.store.items[memKey("test-model", "fr/a.txt#00000")]
	if !ok || emb.Text != "nouveau texte" {
		t.Fatalf("expected replaced artifact, got %+v", emb)
	}
	if _, ok := f.store.items[memKey("test-model", "fr/a.txt#00001")]; ok {
		t.Fatalf("stale window of the previous version must be purged")
	}
	if f.manifest.records["fr/a.txt"].Digest != "v2" {
		t.Fatalf("manifest not updated")
	}
}

func TestIngestCorpusSkipsFailingDocuments(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: domain.Document{SourceID: "fr/bin.pdf"}, err: domain.WrapError(domain.ErrInvalidInput, "read document", errors.New("not utf-8"))},
		walkItem{doc: testDocument(domain.ProfileFRParticulier, "fr/ok.txt", "texte valide", "d1")},
	)

	report, err := f.uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if report.DocumentsFailed != 1 || report.DocumentsSeen != 1 || report.NewEmbeddings != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestIngestCorpusProviderFailureSkipsDocument(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileFRParticulier, "fr/a.txt", "texte valide", "d1")},
	)
	f.provider.err = errors.New("unavailable")

	report, err := f.uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if report.DocumentsFailed != 1 {
		t.Fatalf("expected failed document, got %+v", report)
	}
	if _, ok := f.manifest.records["fr/a.txt"]; ok {
		t.Fatalf("failed document must not be recorded")
	}
}

func TestIngestCorpusUnknownProfileDirectoryAborts(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{err: domain.WrapError(domain.ErrConfiguration, "resolve profile", errors.New("unknown profile directory \"xx\""))},
		walkItem{doc: testDocument(domain.ProfileFRParticulier, "fr/a.txt", "texte valide", "d1")},
	)

	_, err := f.uc.IngestCorpus(context.Background(), "/corpus")
	if !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if f.provider.calls.Load() != 0 {
		t.Fatalf("aborted run must not embed")
	}
}

func TestIngestCorpusCanceled(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileFRParticulier, "fr/a.txt", "texte valide", "d1")},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.uc.IngestCorpus(ctx, "/corpus"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestIngestCorpusRestoresLostArtifact(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileLuxembourg, "lu/a.txt", "luxembourg salaire|luxembourg dividende", "d1")},
	)
	if _, err := f.uc.IngestCorpus(context.Background(), "/corpus"); err != nil {
		t.Fatalf("first IngestCorpus() error = %v", err)
	}
	f.store.remove("test-model", "lu/a.txt#00001")
	calls := f.provider.calls.Load()

	// Same use case: its in-memory index still lists the lost chunk.
	report, err := f.uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("second IngestCorpus() error = %v", err)
	}
	if report.DocumentsSkip != 0 || report.NewEmbeddings != 1 {
		t.Fatalf("expected the lost chunk to be embedded again, got %+v", report)
	}
	if f.provider.calls.Load() != calls+1 {
		t.Fatalf("expected one provider call, got %d", f.provider.calls.Load()-calls)
	}
	if _, ok := f.store.items[memKey("test-model", "lu/a.txt#00001")]; !ok {
		t.Fatalf("artifact not restored")
	}
	if _, ok := f.store.items[memKey("test-model", "lu/a.txt#00000")]; !ok {
		t.Fatalf("intact artifact must be kept")
	}
}

func TestIngestCorpusNewModelVersionEmbedsAgain(t *testing.T) {
	f := newIngestFixture(t,
		walkItem{doc: testDocument(domain.ProfileAndorra, "ad/a.txt", "andorre irpf|andorre igi", "d1")},
	)
	if _, err := f.uc.IngestCorpus(context.Background(), "/corpus"); err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}

	cache, err := NewEmbeddingCache(context.Background(), f.store, f.provider, EmbeddingCacheConfig{ModelVersion: "model-v2"})
	if err != nil {
		t.Fatalf("NewEmbeddingCache() error = %v", err)
	}
	uc := NewIngestCorpusUseCase(f.source, chunkerFake{}, cache, f.store, f.manifest, f.publisher, f.observer)
	report, err := uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("IngestCorpus() error = %v", err)
	}
	if report.DocumentsSkip != 0 || report.NewEmbeddings != 2 {
		t.Fatalf("expected both chunks embedded under the new model, got %+v", report)
	}
	if _, ok := f.store.items[memKey("test-model", "ad/a.txt#00000")]; !ok {
		t.Fatalf("artifacts of the previous model must be kept")
	}
	if f.manifest.records["ad/a.txt"].ModelVersion != "model-v2" {
		t.Fatalf("manifest must record the model version, got %+v", f.manifest.records["ad/a.txt"])
	}

	rerun, err := uc.IngestCorpus(context.Background(), "/corpus")
	if err != nil {
		t.Fatalf("rerun IngestCorpus() error = %v", err)
	}
	if rerun.DocumentsSkip != 1 || rerun.NewEmbeddings != 0 {
		t.Fatalf("unexpected rerun report %+v", rerun)
	}
}
