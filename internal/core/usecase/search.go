package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
)

type searchState string

const (
	stateReceived           searchState = "RECEIVED"
	stateProfilesDetected   searchState = "PROFILES_DETECTED"
	statePerProfileSearched searchState = "PER_PROFILE_SEARCHED"
	stateMerged             searchState = "MERGED"
	stateDone               searchState = "DONE"
)

// ProfileDetection is satisfied by *ProfileDetector.
type ProfileDetection interface {
	Detect(question string, queryVector []float32, centroids CentroidLookup) []domain.ProfileDetectionResult
}

// SnapshotProvider is satisfied by *KnowledgeBase.
type SnapshotProvider interface {
	Snapshot() *KnowledgeSnapshot
}

// RetrievalObserver receives per-profile outcomes, typically for metrics.
type RetrievalObserver interface {
	ProfileSearched(profile domain.Profile, results int)
	ProfileDegraded(profile domain.Profile)
}

type noopRetrievalObserver struct{}

func (noopRetrievalObserver) ProfileSearched(domain.Profile, int) {}
func (noopRetrievalObserver) ProfileDegraded(domain.Profile)      {}

type SearchConfig struct {
	ModelVersion string
	// MaxWords and Step describe the chunk windows; they decide which results
	// of the same source overlap.
	MaxWords      int
	Step          int
	MinConfidence float64
	Defaults      domain.SearchOptions
}

func DefaultSearchOptions() domain.SearchOptions {
	return domain.SearchOptions{
		MaxProfiles:    3,
		TopKPerProfile: 5,
		MaxResults:     8,
	}
}

// MultiProfileSearch embeds a question once, picks the likely profiles,
// searches each of them and merges the hits into one ranked list.
type MultiProfileSearch struct {
	provider  ports.EmbeddingProvider
	detector  ProfileDetection
	knowledge SnapshotProvider
	observer  RetrievalObserver
	cfg       SearchConfig

	profileSearch func(snap *KnowledgeSnapshot, profile domain.Profile, queryVector []float32, topK int) []ScoredChunk
}

func NewMultiProfileSearch(
	provider ports.EmbeddingProvider,
	detector ProfileDetection,
	knowledge SnapshotProvider,
	observer RetrievalObserver,
	cfg SearchConfig,
) *MultiProfileSearch {
	if observer == nil {
		observer = noopRetrievalObserver{}
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.05
	}
	if cfg.Defaults.MaxProfiles == 0 && cfg.Defaults.TopKPerProfile == 0 && cfg.Defaults.MaxResults == 0 {
		cfg.Defaults = DefaultSearchOptions()
	}
	return &MultiProfileSearch{
		provider:      provider,
		detector:      detector,
		knowledge:     knowledge,
		observer:      observer,
		cfg:           cfg,
		profileSearch: searchSnapshotProfile,
	}
}

func searchSnapshotProfile(snap *KnowledgeSnapshot, profile domain.Profile, queryVector []float32, topK int) []ScoredChunk {
	idx, ok := snap.Index(profile)
	if !ok {
		return []ScoredChunk{}
	}
	return idx.Search(queryVector, topK)
}

// Defaults returns the options used when a caller passes negative limits.
func (s *MultiProfileSearch) Defaults() domain.SearchOptions {
	return s.cfg.Defaults
}

// Detect embeds the question and runs profile detection against the current
// snapshot centroids.
func (s *MultiProfileSearch) Detect(ctx context.Context, question string) ([]domain.ProfileDetectionResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "detect profiles", errors.New("question is required"))
	}
	queryVector, err := s.embedQuestion(ctx, question)
	if err != nil {
		return nil, err
	}
	return s.detector.Detect(question, queryVector, s.knowledge.Snapshot()), nil
}

// Search returns at most MaxResults results ordered by descending score.
// Zero limits produce an empty result without contacting the provider.
func (s *MultiProfileSearch) Search(ctx context.Context, question string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	start := time.Now()
	opts = s.withDefaults(opts)
	question = strings.TrimSpace(question)
	logState := func(state searchState, attrs ...any) {
		slog.Debug("search_state", append([]any{"state", string(state)}, attrs...)...)
	}
	logState(stateReceived, "question_chars", len(question))

	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", errors.New("question is required"))
	}
	explicit, err := resolveProfiles(opts.Profiles)
	if err != nil {
		return nil, err
	}
	if opts.TopKPerProfile == 0 || opts.MaxResults == 0 || (len(explicit) == 0 && opts.MaxProfiles == 0) {
		logState(stateDone, "results", 0)
		return []domain.SearchResult{}, nil
	}

	queryVector, err := s.embedQuestion(ctx, question)
	if err != nil {
		return nil, err
	}
	snap := s.knowledge.Snapshot()

	selected := explicit
	if len(selected) == 0 {
		selected = s.selectProfiles(s.detector.Detect(question, queryVector, snap), opts.MaxProfiles)
	}
	logState(stateProfilesDetected, "profiles", formatDetections(selected))

	merged := make([]domain.SearchResult, 0, len(selected)*opts.TopKPerProfile)
	for _, det := range selected {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("search profiles: %w", err)
		}
		hits, err := s.searchProfile(snap, det.Profile, queryVector, opts.TopKPerProfile)
		if err != nil {
			s.observer.ProfileDegraded(det.Profile)
			slog.Warn("profile_search_failed",
				"profile", det.Profile,
				"error", err.Error(),
			)
			continue
		}
		s.observer.ProfileSearched(det.Profile, len(hits))
		for _, hit := range hits {
			merged = append(merged, domain.SearchResult{
				ChunkID:           hit.Chunk.ID,
				SourceID:          hit.Chunk.SourceID,
				SequenceIndex:     hit.Chunk.SequenceIndex,
				Text:              hit.Chunk.Text,
				Profile:           det.Profile,
				SimilarityScore:   hit.Similarity,
				ProfileConfidence: det.Confidence,
				Score:             hit.Similarity * det.Confidence,
			})
		}
	}
	logState(statePerProfileSearched, "candidates", len(merged))

	sortResults(merged, profileRanks(selected))
	merged = s.dropOverlapping(merged)
	if len(merged) > opts.MaxResults {
		merged = merged[:opts.MaxResults]
	}
	logState(stateMerged, "results", len(merged))

	slog.Info("search_done",
		"profiles", formatDetections(selected),
		"results", len(merged),
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	logState(stateDone)
	return merged, nil
}

func (s *MultiProfileSearch) withDefaults(opts domain.SearchOptions) domain.SearchOptions {
	if opts.MaxProfiles < 0 {
		opts.MaxProfiles = s.cfg.Defaults.MaxProfiles
	}
	if opts.TopKPerProfile < 0 {
		opts.TopKPerProfile = s.cfg.Defaults.TopKPerProfile
	}
	if opts.MaxResults < 0 {
		opts.MaxResults = s.cfg.Defaults.MaxResults
	}
	return opts
}

func (s *MultiProfileSearch) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	vectors, err := s.provider.Embed(ctx, []string{question}, s.cfg.ModelVersion)
	if err != nil {
		if domain.IsKind(err, domain.ErrEmbeddingProvider) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrEmbeddingProvider, "embed question", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingProvider, "embed question", fmt.Errorf("expected 1 vector, got %d", len(vectors)))
	}
	return vectors[0], nil
}

// searchProfile isolates one profile: a panic is reported as an error so the
// remaining profiles are still searched.
func (s *MultiProfileSearch) searchProfile(snap *KnowledgeSnapshot, profile domain.Profile, queryVector []float32, topK int) (hits []ScoredChunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			hits = nil
			err = fmt.Errorf("search profile %s: panic: %v", profile, r)
		}
	}()
	return s.profileSearch(snap, profile, queryVector, topK), nil
}

func (s *MultiProfileSearch) selectProfiles(detections []domain.ProfileDetectionResult, maxProfiles int) []domain.ProfileDetectionResult {
	out := make([]domain.ProfileDetectionResult, 0, maxProfiles)
	for _, det := range detections {
		if len(out) == maxProfiles {
			break
		}
		if det.Confidence < s.cfg.MinConfidence {
			continue
		}
		out = append(out, det)
	}
	return out
}

// dropOverlapping keeps the best-ranked result among windows of the same
// source that share words. Input must already be sorted.
func (s *MultiProfileSearch) dropOverlapping(results []domain.SearchResult) []domain.SearchResult {
	kept := make([]domain.SearchResult, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	bySource := make(map[string][]int)
	for _, r := range results {
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		if s.overlapsKept(bySource[r.SourceID], r.SequenceIndex) {
			continue
		}
		seen[r.ChunkID] = struct{}{}
		bySource[r.SourceID] = append(bySource[r.SourceID], r.SequenceIndex)
		kept = append(kept, r)
	}
	return kept
}

func (s *MultiProfileSearch) overlapsKept(indices []int, idx int) bool {
	if s.cfg.MaxWords <= 0 || s.cfg.Step <= 0 {
		return false
	}
	for _, other := range indices {
		delta := idx - other
		if delta < 0 {
			delta = -delta
		}
		if delta*s.cfg.Step < s.cfg.MaxWords {
			return true
		}
	}
	return false
}

// profileRanks maps each selected profile to its position after detection
// or in the caller's explicit list.
func profileRanks(selected []domain.ProfileDetectionResult) map[domain.Profile]int {
	ranks := make(map[domain.Profile]int, len(selected))
	for i, det := range selected {
		if _, ok := ranks[det.Profile]; !ok {
			ranks[det.Profile] = i
		}
	}
	return ranks
}

// sortResults orders by score, then by the rank of the profile in the
// selection, then by chunk id.
func sortResults(results []domain.SearchResult, ranks map[domain.Profile]int) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ri, rj := ranks[results[i].Profile], ranks[results[j].Profile]
		if ri != rj {
			return ri < rj
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

// resolveProfiles parses explicit profile tags, keeping the given order and
// dropping repeats. Each gets full confidence.
func resolveProfiles(tags []string) ([]domain.ProfileDetectionResult, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	out := make([]domain.ProfileDetectionResult, 0, len(tags))
	seen := make(map[domain.Profile]struct{}, len(tags))
	for _, tag := range tags {
		profile, err := domain.ParseProfile(tag)
		if err != nil {
			return nil, domain.WrapError(domain.ErrProfileNotFound, "resolve profiles", err)
		}
		if _, dup := seen[profile]; dup {
			continue
		}
		seen[profile] = struct{}{}
		out = append(out, domain.ProfileDetectionResult{Profile: profile, Confidence: 1.0})
	}
	return out, nil
}

func formatDetections(detections []domain.ProfileDetectionResult) string {
	parts := make([]string, 0, len(detections))
	for _, det := range detections {
		parts = append(parts, fmt.Sprintf("%s:%.2f", det.Profile, det.Confidence))
	}
	return strings.Join(parts, ",")
}
