package ports

import (
	"context"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

// ContextService is the query boundary consumed by the web layer.
type ContextService interface {
	AnswerContext(ctx context.Context, question string) ([]domain.ContextEntry, error)
	AnswerContextWithOptions(ctx context.Context, question string, opts domain.SearchOptions) ([]domain.ContextEntry, error)
	DetectProfiles(ctx context.Context, question string) ([]domain.ProfileDetectionResult, error)
	Render(entries []domain.ContextEntry) string
}

// CorpusIngestor runs an offline chunk+embed pass over a corpus directory.
type CorpusIngestor interface {
	IngestCorpus(ctx context.Context, root string) (domain.IngestReport, error)
}

// KnowledgeReloader rebuilds per-profile snapshots from the on-disk cache.
type KnowledgeReloader interface {
	Reload(ctx context.Context) error
	Stats() []domain.ProfileStats
}
