package domain

import "fmt"

// Document is a normalized source text belonging to exactly one profile.
type Document struct {
	SourceID string  `json:"source_id"`
	Profile  Profile `json:"profile"`
	Path     string  `json:"path"`
	Text     string  `json:"-"`
	Digest   string  `json:"digest"`
}

type Chunk struct {
	ID            string  `json:"chunk_id"`
	SourceID      string  `json:"source_id"`
	SequenceIndex int     `json:"sequence_index"`
	Text          string  `json:"text"`
	Profile       Profile `json:"profile"`
}

// ChunkID derives the stable identifier of the idx-th chunk of a source.
func ChunkID(sourceID string, idx int) string {
	return fmt.Sprintf("%s#%05d", sourceID, idx)
}

// Embedding is the cached vector of one chunk under one model version.
// It carries the chunk payload so a knowledge base can be rebuilt from the
// cache alone.
type Embedding struct {
	ChunkID       string    `json:"chunk_id"`
	SourceID      string    `json:"source_id"`
	SequenceIndex int       `json:"sequence_index"`
	Profile       Profile   `json:"profile"`
	Text          string    `json:"text"`
	ModelVersion  string    `json:"model_version"`
	Vector        []float32 `json:"vector"`
}

// SourceRecord is the ingestion bookkeeping for one source.
type SourceRecord struct {
	SourceID     string  `json:"source_id"`
	Profile      Profile `json:"profile"`
	Digest       string  `json:"digest"`
	ModelVersion string  `json:"model_version"`
	ChunkCount   int     `json:"chunk_count"`
}

type IngestReport struct {
	RunID           string `json:"run_id"`
	DocumentsSeen   int    `json:"documents_seen"`
	DocumentsSkip   int    `json:"documents_unchanged"`
	DocumentsFailed int    `json:"documents_failed"`
	Chunks          int    `json:"chunks"`
	NewEmbeddings   int    `json:"new_embeddings"`
}
