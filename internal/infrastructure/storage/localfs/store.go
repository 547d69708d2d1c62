package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

const artifactExt = ".json"

// EmbeddingStore keeps one JSON artifact per chunk under
// <base>/<PROFILE>/<model-version>/. Existence of the artifact is the cache
// hit signal.
type EmbeddingStore struct {
	basePath string
}

func New(basePath string) (*EmbeddingStore, error) {
	if basePath == "" {
		basePath = "./data/embeddings"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &EmbeddingStore{basePath: basePath}, nil
}

// ArtifactName derives the artifact file name from a chunk id.
func ArtifactName(chunkID string) string {
	sum := sha256.Sum256([]byte(chunkID))
	return hex.EncodeToString(sum[:16]) + artifactExt
}

func (s *EmbeddingStore) profileDir(profile domain.Profile, modelVersion string) string {
	return filepath.Join(s.basePath, string(profile), sanitizeSegment(modelVersion))
}

// Save writes to a temp file and renames it into place so readers never
// observe a partial artifact.
func (s *EmbeddingStore) Save(_ context.Context, emb domain.Embedding) error {
	if !emb.Profile.Valid() {
		return domain.WrapError(domain.ErrConfiguration, "save embedding", fmt.Errorf("unknown profile %q", emb.Profile))
	}
	dir := s.profileDir(emb.Profile, emb.ModelVersion)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	data, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ArtifactName(emb.ChunkID))); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

func (s *EmbeddingStore) Load(_ context.Context, profile domain.Profile, modelVersion, chunkID string) (domain.Embedding, bool, error) {
	emb, err := readArtifact(filepath.Join(s.profileDir(profile, modelVersion), ArtifactName(chunkID)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Embedding{}, false, nil
		}
		return domain.Embedding{}, false, err
	}
	return emb, true, nil
}

// Exists reports whether the artifact of a chunk is on disk.
func (s *EmbeddingStore) Exists(_ context.Context, profile domain.Profile, modelVersion, chunkID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.profileDir(profile, modelVersion), ArtifactName(chunkID)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact: %w", err)
}

// Keys lists the chunk ids cached for a model version across all profiles.
func (s *EmbeddingStore) Keys(ctx context.Context, modelVersion string) ([]string, error) {
	var keys []string
	for _, profile := range domain.Profiles {
		embs, err := s.LoadProfile(ctx, profile, modelVersion)
		if err != nil {
			return nil, err
		}
		for _, emb := range embs {
			keys = append(keys, emb.ChunkID)
		}
	}
	return keys, nil
}

func (s *EmbeddingStore) LoadProfile(ctx context.Context, profile domain.Profile, modelVersion string) ([]domain.Embedding, error) {
	dir := s.profileDir(profile, modelVersion)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	out := make([]domain.Embedding, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isArtifact(entry) {
			continue
		}
		emb, err := readArtifact(filepath.Join(dir, entry.Name()))
		if err != nil {
			// Purged by a concurrent ingestion after the listing.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, emb)
	}
	return out, nil
}

// DeleteSource removes every artifact of a source across model versions.
func (s *EmbeddingStore) DeleteSource(_ context.Context, profile domain.Profile, sourceID string) (int, error) {
	profileRoot := filepath.Join(s.basePath, string(profile))
	models, err := os.ReadDir(profileRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read profile root: %w", err)
	}

	removed := 0
	for _, model := range models {
		if !model.IsDir() {
			continue
		}
		dir := filepath.Join(profileRoot, model.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("read model dir: %w", err)
		}
		for _, entry := range entries {
			if !isArtifact(entry) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			emb, err := readArtifact(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return removed, err
			}
			if emb.SourceID != sourceID {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("remove artifact: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func isArtifact(entry os.DirEntry) bool {
	name := entry.Name()
	return !entry.IsDir() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, artifactExt)
}

func readArtifact(path string) (domain.Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Embedding{}, fmt.Errorf("read artifact: %w", err)
	}
	var emb domain.Embedding
	if err := json.Unmarshal(data, &emb); err != nil {
		return domain.Embedding{}, fmt.Errorf("decode artifact %s: %w", filepath.Base(path), err)
	}
	return emb, nil
}

func sanitizeSegment(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || name == "." || name == ".." {
		return "default"
	}
	return name
}
