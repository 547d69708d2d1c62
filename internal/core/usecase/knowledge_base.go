package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
)

type ScoredChunk struct {
	Chunk      domain.Chunk
	Similarity float64
}

// ProfileIndex is the read-only in-memory collection of one profile.
type ProfileIndex struct {
	profile  domain.Profile
	ids      map[string]int
	chunks   []domain.Chunk
	vectors  [][]float32
	centroid []float32
}

// NewProfileIndex builds an index from embeddings; entries of other
// profiles are ignored and duplicate chunk ids keep the first occurrence.
func NewProfileIndex(profile domain.Profile, embeddings []domain.Embedding) *ProfileIndex {
	idx := &ProfileIndex{
		profile: profile,
		ids:     make(map[string]int, len(embeddings)),
		chunks:  make([]domain.Chunk, 0, len(embeddings)),
		vectors: make([][]float32, 0, len(embeddings)),
	}
	sorted := make([]domain.Embedding, 0, len(embeddings))
	for _, emb := range embeddings {
		if emb.Profile == profile && len(emb.Vector) > 0 {
			sorted = append(sorted, emb)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChunkID < sorted[j].ChunkID })

	for _, emb := range sorted {
		if _, dup := idx.ids[emb.ChunkID]; dup {
			continue
		}
		idx.ids[emb.ChunkID] = len(idx.chunks)
		idx.chunks = append(idx.chunks, domain.Chunk{
			ID:            emb.ChunkID,
			SourceID:      emb.SourceID,
			SequenceIndex: emb.SequenceIndex,
			Text:          emb.Text,
			Profile:       emb.Profile,
		})
		idx.vectors = append(idx.vectors, emb.Vector)
	}
	idx.centroid = meanVector(idx.vectors)
	return idx
}

func (p *ProfileIndex) Profile() domain.Profile { return p.profile }

func (p *ProfileIndex) Len() int {
	if p == nil {
		return 0
	}
	return len(p.chunks)
}

// Centroid is the mean embedding of the profile, nil when empty.
func (p *ProfileIndex) Centroid() []float32 {
	if p == nil {
		return nil
	}
	return p.centroid
}

func (p *ProfileIndex) Get(chunkID string) (domain.Chunk, bool) {
	if p == nil {
		return domain.Chunk{}, false
	}
	i, ok := p.ids[chunkID]
	if !ok {
		return domain.Chunk{}, false
	}
	return p.chunks[i], true
}

// Search ranks chunks by cosine similarity. Ties prefer the lower sequence
// index, then the lower chunk id. An empty profile yields an empty slice.
func (p *ProfileIndex) Search(queryVector []float32, topK int) []ScoredChunk {
	if p == nil || topK <= 0 || len(p.chunks) == 0 || len(queryVector) == 0 {
		return []ScoredChunk{}
	}

	scored := make([]ScoredChunk, len(p.chunks))
	for i, chunk := range p.chunks {
		scored[i] = ScoredChunk{Chunk: chunk, Similarity: cosineSimilarity(queryVector, p.vectors[i])}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if scored[i].Chunk.SequenceIndex != scored[j].Chunk.SequenceIndex {
			return scored[i].Chunk.SequenceIndex < scored[j].Chunk.SequenceIndex
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// KnowledgeSnapshot is an immutable set of per-profile indices. Every known
// profile is present, possibly empty.
type KnowledgeSnapshot struct {
	modelVersion string
	loadedAt     time.Time
	profiles     map[domain.Profile]*ProfileIndex
}

func NewKnowledgeSnapshot(modelVersion string, indices ...*ProfileIndex) *KnowledgeSnapshot {
	snap := &KnowledgeSnapshot{
		modelVersion: modelVersion,
		loadedAt:     time.Now().UTC(),
		profiles:     make(map[domain.Profile]*ProfileIndex, len(domain.Profiles)),
	}
	for _, p := range domain.Profiles {
		snap.profiles[p] = NewProfileIndex(p, nil)
	}
	for _, idx := range indices {
		if idx != nil && idx.profile.Valid() {
			snap.profiles[idx.profile] = idx
		}
	}
	return snap
}

func (s *KnowledgeSnapshot) Index(profile domain.Profile) (*ProfileIndex, bool) {
	idx, ok := s.profiles[profile]
	return idx, ok
}

func (s *KnowledgeSnapshot) Centroid(profile domain.Profile) ([]float32, bool) {
	idx, ok := s.profiles[profile]
	if !ok || idx.Len() == 0 {
		return nil, false
	}
	return idx.Centroid(), true
}

func (s *KnowledgeSnapshot) Stats() []domain.ProfileStats {
	out := make([]domain.ProfileStats, 0, len(domain.Profiles))
	for _, p := range domain.Profiles {
		out = append(out, domain.ProfileStats{Profile: p, Chunks: s.profiles[p].Len()})
	}
	return out
}

func (s *KnowledgeSnapshot) LoadedAt() time.Time { return s.loadedAt }

// KnowledgeBase serves the current snapshot and swaps in a fresh one on
// Reload; in-flight searches keep the snapshot they started with.
type KnowledgeBase struct {
	store        ports.EmbeddingStore
	modelVersion string
	current      atomic.Pointer[KnowledgeSnapshot]
}

func NewKnowledgeBase(store ports.EmbeddingStore, modelVersion string) *KnowledgeBase {
	kb := &KnowledgeBase{store: store, modelVersion: modelVersion}
	kb.current.Store(NewKnowledgeSnapshot(modelVersion))
	return kb
}

func (kb *KnowledgeBase) Snapshot() *KnowledgeSnapshot {
	return kb.current.Load()
}

// Reload builds a new snapshot from the on-disk cache, loading profiles in
// parallel, and publishes it atomically. On error the live snapshot is kept.
func (kb *KnowledgeBase) Reload(ctx context.Context) error {
	start := time.Now()
	indices := make([]*ProfileIndex, len(domain.Profiles))

	g, gctx := errgroup.WithContext(ctx)
	for i, profile := range domain.Profiles {
		g.Go(func() error {
			embs, err := kb.store.LoadProfile(gctx, profile, kb.modelVersion)
			if err != nil {
				return fmt.Errorf("load profile %s: %w", profile, err)
			}
			indices[i] = NewProfileIndex(profile, embs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reload knowledge base: %w", err)
	}

	snap := NewKnowledgeSnapshot(kb.modelVersion, indices...)
	for _, stat := range snap.Stats() {
		if stat.Chunks == 0 {
			slog.Warn("knowledge_profile_empty",
				"profile", stat.Profile,
				"model", kb.modelVersion,
				"warning", domain.ErrEmptyCorpus.Error(),
			)
		}
	}
	kb.current.Store(snap)

	slog.Info("knowledge_reload",
		"model", kb.modelVersion,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return nil
}

func (kb *KnowledgeBase) Stats() []domain.ProfileStats {
	return kb.Snapshot().Stats()
}
