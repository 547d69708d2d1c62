package domain

type ProfileDetectionResult struct {
	Profile    Profile `json:"profile"`
	Confidence float64 `json:"confidence"`
}

type SearchOptions struct {
	MaxProfiles    int
	TopKPerProfile int
	MaxResults     int
	// Profiles bypasses detection when set; unknown tags fail with ErrProfileNotFound.
	Profiles []string
}

type SearchResult struct {
	ChunkID           string  `json:"chunk_id"`
	SourceID          string  `json:"source_id"`
	SequenceIndex     int     `json:"sequence_index"`
	Text              string  `json:"text"`
	Profile           Profile `json:"profile"`
	SimilarityScore   float64 `json:"similarity_score"`
	ProfileConfidence float64 `json:"source_profile_confidence"`
	Score             float64 `json:"score"`
}

type ContextEntry struct {
	Text     string  `json:"text"`
	Profile  Profile `json:"profile"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
}

type ProfileStats struct {
	Profile Profile `json:"profile"`
	Chunks  int     `json:"chunks"`
}
