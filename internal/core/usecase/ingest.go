package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
)

const (
	documentStatusIngested  = "ingested"
	documentStatusUnchanged = "unchanged"
	documentStatusFailed    = "failed"
)

// IngestObserver receives ingestion outcomes, typically for metrics.
type IngestObserver interface {
	DocumentProcessed(profile domain.Profile, status string)
	RunFinished(report domain.IngestReport, stats EmbeddingCacheStats)
}

type noopIngestObserver struct{}

func (noopIngestObserver) DocumentProcessed(domain.Profile, string)             {}
func (noopIngestObserver) RunFinished(domain.IngestReport, EmbeddingCacheStats) {}

// IngestCorpusUseCase chunks every document of a corpus and makes sure each
// chunk has a cached embedding. Re-running it over an unchanged corpus does
// not contact the embedding provider.
type IngestCorpusUseCase struct {
	source    ports.DocumentSource
	chunker   ports.Chunker
	cache     *EmbeddingCache
	store     ports.EmbeddingStore
	manifest  ports.SourceManifest
	publisher ports.ReloadPublisher
	observer  IngestObserver
}

func NewIngestCorpusUseCase(
	source ports.DocumentSource,
	chunker ports.Chunker,
	cache *EmbeddingCache,
	store ports.EmbeddingStore,
	manifest ports.SourceManifest,
	publisher ports.ReloadPublisher,
	observer IngestObserver,
) *IngestCorpusUseCase {
	if observer == nil {
		observer = noopIngestObserver{}
	}
	return &IngestCorpusUseCase{
		source:    source,
		chunker:   chunker,
		cache:     cache,
		store:     store,
		manifest:  manifest,
		publisher: publisher,
		observer:  observer,
	}
}

// IngestCorpus walks root and ingests every document. Failures of a single
// document are logged and skipped; configuration errors and cancellation
// abort the run.
func (uc *IngestCorpusUseCase) IngestCorpus(ctx context.Context, root string) (domain.IngestReport, error) {
	start := time.Now()
	report := domain.IngestReport{RunID: uuid.NewString()}

	walkErr := uc.source.Walk(ctx, root, func(doc domain.Document, err error) error {
		if err != nil {
			if domain.IsKind(err, domain.ErrConfiguration) {
				return err
			}
			report.DocumentsFailed++
			uc.observer.DocumentProcessed(doc.Profile, documentStatusFailed)
			slog.Warn("ingest_document_failed",
				"run_id", report.RunID,
				"source_id", doc.SourceID,
				"error", err.Error(),
			)
			return nil
		}

		report.DocumentsSeen++
		res, err := uc.ingestDocument(ctx, doc)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if domain.IsKind(err, domain.ErrConfiguration) {
				return err
			}
			report.DocumentsFailed++
			uc.observer.DocumentProcessed(doc.Profile, documentStatusFailed)
			slog.Warn("ingest_document_failed",
				"run_id", report.RunID,
				"source_id", doc.SourceID,
				"profile", doc.Profile,
				"error", err.Error(),
			)
			return nil
		}
		if res.unchanged {
			report.DocumentsSkip++
			uc.observer.DocumentProcessed(doc.Profile, documentStatusUnchanged)
			slog.Debug("ingest_document_skipped",
				"run_id", report.RunID,
				"source_id", doc.SourceID,
			)
			return nil
		}
		report.Chunks += res.chunks
		report.NewEmbeddings += res.created
		uc.observer.DocumentProcessed(doc.Profile, documentStatusIngested)
		slog.Debug("ingest_document_done",
			"run_id", report.RunID,
			"source_id", doc.SourceID,
			"profile", doc.Profile,
			"chunks", res.chunks,
			"new_embeddings", res.created,
		)
		return nil
	})

	uc.observer.RunFinished(report, uc.cache.Stats())
	if walkErr != nil {
		return report, fmt.Errorf("ingest corpus %s: %w", root, walkErr)
	}

	if report.NewEmbeddings > 0 && uc.publisher != nil {
		if err := uc.publisher.PublishReload(ctx, "ingest:"+report.RunID); err != nil {
			slog.Warn("reload_publish_failed",
				"run_id", report.RunID,
				"error", err.Error(),
			)
		}
	}

	slog.Info("ingest_run_done",
		"run_id", report.RunID,
		"documents", report.DocumentsSeen,
		"unchanged", report.DocumentsSkip,
		"failed", report.DocumentsFailed,
		"chunks", report.Chunks,
		"new_embeddings", report.NewEmbeddings,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return report, nil
}

type documentResult struct {
	unchanged bool
	chunks    int
	created   int
}

func (uc *IngestCorpusUseCase) ingestDocument(ctx context.Context, doc domain.Document) (documentResult, error) {
	if !doc.Profile.Valid() {
		return documentResult{}, domain.WrapError(domain.ErrConfiguration, "ingest document", fmt.Errorf("unknown profile %q for %s", doc.Profile, doc.SourceID))
	}

	prev, found, err := uc.manifest.Get(ctx, doc.SourceID)
	if err != nil {
		return documentResult{}, fmt.Errorf("read source manifest: %w", err)
	}
	sameSource := found && prev.Digest == doc.Digest && prev.Profile == doc.Profile

	chunks, windows := uc.chunk(doc)
	if sameSource && prev.ModelVersion == uc.cache.ModelVersion() {
		// The manifest only short-cuts chunking work; artifacts decide.
		missing, err := uc.cache.Verify(ctx, chunks)
		if err != nil {
			return documentResult{}, err
		}
		if len(missing) == 0 {
			return documentResult{unchanged: true}, nil
		}
		slog.Warn("ingest_artifacts_missing",
			"source_id", doc.SourceID,
			"model", uc.cache.ModelVersion(),
			"missing", len(missing),
		)
	}
	if found && !sameSource {
		if err := uc.purgeSource(ctx, prev); err != nil {
			return documentResult{}, err
		}
	}

	if len(chunks) == 0 {
		slog.Warn("ingest_document_empty",
			"source_id", doc.SourceID,
			"error", domain.WrapError(domain.ErrInvalidInput, "chunk document", errors.New("no chunk above the minimum size")).Error(),
		)
	}

	created, err := uc.cache.Ensure(ctx, chunks)
	if err != nil {
		return documentResult{}, fmt.Errorf("embed chunks: %w", err)
	}

	if err := uc.manifest.Put(ctx, domain.SourceRecord{
		SourceID:     doc.SourceID,
		Profile:      doc.Profile,
		Digest:       doc.Digest,
		ModelVersion: uc.cache.ModelVersion(),
		ChunkCount:   windows,
	}); err != nil {
		return documentResult{}, fmt.Errorf("write source manifest: %w", err)
	}
	return documentResult{chunks: len(chunks), created: created}, nil
}

// purgeSource drops every artifact of a changed source so the new version
// replaces it wholesale.
func (uc *IngestCorpusUseCase) purgeSource(ctx context.Context, prev domain.SourceRecord) error {
	removed, err := uc.store.DeleteSource(ctx, prev.Profile, prev.SourceID)
	if err != nil {
		return fmt.Errorf("purge previous artifacts: %w", err)
	}
	uc.cache.Forget(prev.SourceID, prev.ChunkCount)
	slog.Info("ingest_source_replaced",
		"source_id", prev.SourceID,
		"removed_artifacts", removed,
	)
	return nil
}

// chunk keeps the window index as the sequence index so chunk ids stay
// stable whatever the size filter drops. It also returns the window count.
func (uc *IngestCorpusUseCase) chunk(doc domain.Document) ([]domain.Chunk, int) {
	windows := uc.chunker.Split(doc.Text)
	chunks := make([]domain.Chunk, 0, len(windows))
	for i, text := range windows {
		if !uc.chunker.Keep(text) {
			continue
		}
		chunks = append(chunks, domain.Chunk{
			ID:            domain.ChunkID(doc.SourceID, i),
			SourceID:      doc.SourceID,
			SequenceIndex: i,
			Text:          text,
			Profile:       doc.Profile,
		})
	}
	return chunks, len(windows)
}
