package ports

import (
	"context"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

// EmbeddingProvider is the external embedding boundary: one call per batch.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// EmbeddingStore persists one artifact per (chunk_id, model_version).
type EmbeddingStore interface {
	Save(ctx context.Context, emb domain.Embedding) error
	Load(ctx context.Context, profile domain.Profile, modelVersion, chunkID string) (domain.Embedding, bool, error)
	Exists(ctx context.Context, profile domain.Profile, modelVersion, chunkID string) (bool, error)
	Keys(ctx context.Context, modelVersion string) ([]string, error)
	LoadProfile(ctx context.Context, profile domain.Profile, modelVersion string) ([]domain.Embedding, error)
	DeleteSource(ctx context.Context, profile domain.Profile, sourceID string) (int, error)
}

// SourceManifest tracks what was ingested per source.
type SourceManifest interface {
	Get(ctx context.Context, sourceID string) (domain.SourceRecord, bool, error)
	Put(ctx context.Context, record domain.SourceRecord) error
}

// DocumentSource enumerates normalized documents under a corpus root.
type DocumentSource interface {
	Walk(ctx context.Context, root string, fn func(domain.Document, error) error) error
}

// Chunker splits normalized text into overlapping word windows.
type Chunker interface {
	Split(text string) []string
	Keep(chunk string) bool
}

// ReloadPublisher notifies serving processes that the cache changed.
type ReloadPublisher interface {
	PublishReload(ctx context.Context, reason string) error
}

// IngestRequester hands a corpus ingestion run to a worker and returns the
// request id.
type IngestRequester interface {
	RequestIngest(ctx context.Context, root string) (string, error)
}
