package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
)

type EmbeddingCacheConfig struct {
	ModelVersion string
	// BatchSize is the number of texts sent per provider call.
	BatchSize int
	// PaceInterval is the minimum delay between two provider batches.
	PaceInterval time.Duration
}

type EmbeddingCacheStats struct {
	Hits          int64
	Misses        int64
	ProviderCalls int64
}

// EmbeddingCache creates each (chunk_id, model_version) embedding at most once
// and persists it through the store. Entries are published to the in-memory
// index only after the artifact is written.
type EmbeddingCache struct {
	store    ports.EmbeddingStore
	provider ports.EmbeddingProvider
	cfg      EmbeddingCacheConfig
	limiter  *rate.Limiter

	mu       sync.RWMutex
	known    map[string]struct{}
	inflight map[string]chan struct{}

	hits          atomic.Int64
	misses        atomic.Int64
	providerCalls atomic.Int64
}

// NewEmbeddingCache warms the in-memory index from the store.
func NewEmbeddingCache(
	ctx context.Context,
	store ports.EmbeddingStore,
	provider ports.EmbeddingProvider,
	cfg EmbeddingCacheConfig,
) (*EmbeddingCache, error) {
	if provider == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "init embedding cache", errors.New("embedding provider is not configured"))
	}
	if cfg.ModelVersion == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "init embedding cache", errors.New("model version is required"))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	limit := rate.Inf
	if cfg.PaceInterval > 0 {
		limit = rate.Every(cfg.PaceInterval)
	}

	keys, err := store.Keys(ctx, cfg.ModelVersion)
	if err != nil {
		return nil, fmt.Errorf("warm embedding index: %w", err)
	}
	known := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		known[key] = struct{}{}
	}

	return &EmbeddingCache{
		store:    store,
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		known:    known,
		inflight: make(map[string]chan struct{}),
	}, nil
}

func (c *EmbeddingCache) ModelVersion() string {
	return c.cfg.ModelVersion
}

func (c *EmbeddingCache) Has(chunkID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[chunkID]
	return ok
}

// Verify checks the store for the artifact of every chunk and returns the
// chunks whose artifact is gone. Those are dropped from the in-memory index
// so the next Ensure embeds them again.
func (c *EmbeddingCache) Verify(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	var missing []domain.Chunk
	for _, chunk := range chunks {
		ok, err := c.store.Exists(ctx, chunk.Profile, c.cfg.ModelVersion, chunk.ID)
		if err != nil {
			return nil, fmt.Errorf("check artifact %s: %w", chunk.ID, err)
		}
		if ok {
			continue
		}
		c.mu.Lock()
		delete(c.known, chunk.ID)
		c.mu.Unlock()
		missing = append(missing, chunk)
	}
	return missing, nil
}

func (c *EmbeddingCache) Stats() EmbeddingCacheStats {
	return EmbeddingCacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		ProviderCalls: c.providerCalls.Load(),
	}
}

// GetOrCreate returns the cached embedding of a chunk, calling the provider
// only when no artifact exists yet.
func (c *EmbeddingCache) GetOrCreate(ctx context.Context, chunk domain.Chunk) (domain.Embedding, error) {
	if _, err := c.Ensure(ctx, []domain.Chunk{chunk}); err != nil {
		return domain.Embedding{}, err
	}
	emb, ok, err := c.store.Load(ctx, chunk.Profile, c.cfg.ModelVersion, chunk.ID)
	if err != nil {
		return domain.Embedding{}, fmt.Errorf("load cached embedding: %w", err)
	}
	if !ok {
		return domain.Embedding{}, fmt.Errorf("cached embedding %s disappeared from store", chunk.ID)
	}
	return emb, nil
}

// GetOrCreateBatch is the batched form of GetOrCreate; results follow the
// input order.
func (c *EmbeddingCache) GetOrCreateBatch(ctx context.Context, chunks []domain.Chunk) ([]domain.Embedding, error) {
	if _, err := c.Ensure(ctx, chunks); err != nil {
		return nil, err
	}
	out := make([]domain.Embedding, 0, len(chunks))
	for _, chunk := range chunks {
		emb, ok, err := c.store.Load(ctx, chunk.Profile, c.cfg.ModelVersion, chunk.ID)
		if err != nil {
			return nil, fmt.Errorf("load cached embedding: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("cached embedding %s disappeared from store", chunk.ID)
		}
		out = append(out, emb)
	}
	return out, nil
}

// Ensure embeds every chunk lacking an artifact and returns how many were
// created by this call. Each batch is persisted before the next one starts,
// so an interrupted run resumes with only the remaining chunks.
func (c *EmbeddingCache) Ensure(ctx context.Context, chunks []domain.Chunk) (int, error) {
	owned, waits := c.claim(chunks)

	created, err := c.embedOwned(ctx, owned)
	if err != nil {
		return created, err
	}

	if len(waits) == 0 {
		return created, nil
	}
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return created, domain.WrapError(domain.ErrEmbeddingProvider, "wait concurrent embedding", ctx.Err())
		}
	}

	// A concurrent writer may have failed; retry what is still missing.
	var remaining []domain.Chunk
	for _, chunk := range chunks {
		if !c.Has(chunk.ID) {
			remaining = append(remaining, chunk)
		}
	}
	if len(remaining) == 0 {
		return created, nil
	}
	more, err := c.Ensure(ctx, remaining)
	return created + more, err
}

// claim splits chunks into cache hits (dropped), chunks this caller must
// embed, and chunks another caller is embedding right now.
func (c *EmbeddingCache) claim(chunks []domain.Chunk) ([]domain.Chunk, []chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var owned []domain.Chunk
	var waits []chan struct{}
	seen := make(map[string]struct{}, len(chunks))
	for _, chunk := range chunks {
		if _, dup := seen[chunk.ID]; dup {
			continue
		}
		seen[chunk.ID] = struct{}{}

		if _, ok := c.known[chunk.ID]; ok {
			c.hits.Add(1)
			continue
		}
		if ch, ok := c.inflight[chunk.ID]; ok {
			waits = append(waits, ch)
			continue
		}
		c.inflight[chunk.ID] = make(chan struct{})
		c.misses.Add(1)
		owned = append(owned, chunk)
	}
	return owned, waits
}

func (c *EmbeddingCache) release(chunks []domain.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chunk := range chunks {
		if ch, ok := c.inflight[chunk.ID]; ok {
			close(ch)
			delete(c.inflight, chunk.ID)
		}
	}
}

func (c *EmbeddingCache) publish(chunkID string) {
	c.mu.Lock()
	c.known[chunkID] = struct{}{}
	c.mu.Unlock()
}

func (c *EmbeddingCache) embedOwned(ctx context.Context, owned []domain.Chunk) (int, error) {
	if len(owned) == 0 {
		return 0, nil
	}
	defer c.release(owned)

	created := 0
	for start := 0; start < len(owned); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(owned) {
			end = len(owned)
		}
		n, err := c.embedBatch(ctx, owned[start:end])
		created += n
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func (c *EmbeddingCache) embedBatch(ctx context.Context, batch []domain.Chunk) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, domain.WrapError(domain.ErrEmbeddingProvider, "pace embedding batch", err)
	}

	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Text
	}

	c.providerCalls.Add(1)
	vectors, err := c.provider.Embed(ctx, texts, c.cfg.ModelVersion)
	if err != nil {
		if domain.IsKind(err, domain.ErrEmbeddingProvider) {
			return 0, err
		}
		return 0, domain.WrapError(domain.ErrEmbeddingProvider, "embed chunks", err)
	}
	if len(vectors) != len(batch) {
		return 0, domain.WrapError(
			domain.ErrEmbeddingProvider,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(batch)),
		)
	}

	for i, chunk := range batch {
		emb := domain.Embedding{
			ChunkID:       chunk.ID,
			SourceID:      chunk.SourceID,
			SequenceIndex: chunk.SequenceIndex,
			Profile:       chunk.Profile,
			Text:          chunk.Text,
			ModelVersion:  c.cfg.ModelVersion,
			Vector:        vectors[i],
		}
		if err := c.store.Save(ctx, emb); err != nil {
			return i, fmt.Errorf("persist embedding %s: %w", chunk.ID, err)
		}
		c.publish(chunk.ID)
	}

	slog.Debug("embedding_batch_stored",
		"model", c.cfg.ModelVersion,
		"chunks", len(batch),
	)
	return len(batch), nil
}

// Forget drops chunk ids from the in-memory index after their artifacts were
// purged by a wholesale source replacement.
func (c *EmbeddingCache) Forget(sourceID string, chunkCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < chunkCount; i++ {
		delete(c.known, domain.ChunkID(sourceID, i))
	}
}
