package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIPort  string
	LogLevel string

	// PostgresDSN enables the postgres source manifest; empty keeps the
	// manifest as a JSON file next to the embedding cache.
	PostgresDSN string

	// NATSURL enables reload and ingest signalling; empty disables it.
	NATSURL           string
	NATSReloadSubject string
	NATSIngestSubject string

	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string
	EmbeddingTimeout time.Duration

	CorpusPath   string
	CachePath    string
	ManifestPath string

	ChunkMaxWords     int
	ChunkOverlapWords int
	ChunkMinChars     int

	EmbedBatchSize int
	// EmbedPaceInterval separates two provider batches; 0 disables pacing.
	EmbedPaceInterval time.Duration

	SearchMaxProfiles    int
	SearchTopKPerProfile int
	SearchMaxResults     int
	SearchMinConfidence  float64

	DetectorLexicalWeight  float64
	DetectorSemanticWeight float64
	DetectorSemanticFloor  float64
	ProfilesConfigPath     string

	ContextMaxChars int

	AdminAPIKey string

	APIRateLimitRPS            float64
	APIRateLimitBurst          int
	APIBackpressureMaxInFlight int
	APIBackpressureWaitTimeout time.Duration

	ResilienceRetryMaxAttempts    int
	ResilienceRetryInitialBackoff time.Duration
	ResilienceBreakerEnabled      bool
	ResilienceBreakerOpenTimeout  time.Duration

	WorkerMetricsPort   string
	WorkerIngestTimeout time.Duration
}

func Load() Config {
	cachePath := mustEnv("CACHE_PATH", "./data/cache")
	return Config{
		APIPort:  mustEnv("API_PORT", "8080"),
		LogLevel: mustEnv("LOG_LEVEL", "info"),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		NATSURL:           mustEnv("NATS_URL", ""),
		NATSReloadSubject: mustEnv("NATS_RELOAD_SUBJECT", "fiscal.knowledge.reload"),
		NATSIngestSubject: mustEnv("NATS_INGEST_SUBJECT", "fiscal.corpus.ingest"),

		EmbeddingBaseURL: mustEnv("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:  mustEnv("EMBEDDING_API_KEY", os.Getenv("OPENAI_API_KEY")),
		EmbeddingModel:   mustEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingTimeout: mustEnvDuration("EMBEDDING_TIMEOUT", 30*time.Second),

		CorpusPath:   mustEnv("CORPUS_PATH", "./data/corpus"),
		CachePath:    cachePath,
		ManifestPath: mustEnv("MANIFEST_PATH", filepath.Join(cachePath, "sources.json")),

		ChunkMaxWords:     mustEnvInt("CHUNK_MAX_WORDS", 1000),
		ChunkOverlapWords: mustEnvInt("CHUNK_OVERLAP_WORDS", 200),
		ChunkMinChars:     mustEnvInt("CHUNK_MIN_CHARS", 20),

		EmbedBatchSize:    mustEnvInt("EMBED_BATCH_SIZE", 64),
		EmbedPaceInterval: mustEnvDuration("EMBED_PACE_INTERVAL", 200*time.Millisecond),

		SearchMaxProfiles:    mustEnvInt("SEARCH_MAX_PROFILES", 3),
		SearchTopKPerProfile: mustEnvInt("SEARCH_TOP_K_PER_PROFILE", 5),
		SearchMaxResults:     mustEnvInt("SEARCH_MAX_RESULTS", 8),
		SearchMinConfidence:  mustEnvFloat("SEARCH_MIN_CONFIDENCE", 0.05),

		DetectorLexicalWeight:  mustEnvFloat("DETECTOR_LEXICAL_WEIGHT", 0.7),
		DetectorSemanticWeight: mustEnvFloat("DETECTOR_SEMANTIC_WEIGHT", 0.3),
		DetectorSemanticFloor:  mustEnvFloat("DETECTOR_SEMANTIC_FLOOR", 0.35),
		ProfilesConfigPath:     mustEnv("PROFILES_CONFIG_PATH", ""),

		ContextMaxChars: mustEnvInt("CONTEXT_MAX_CHARS", 6000),

		AdminAPIKey: mustEnv("ADMIN_API_KEY", ""),

		APIRateLimitRPS:            mustEnvFloat("API_RATE_LIMIT_RPS", 0),
		APIRateLimitBurst:          mustEnvInt("API_RATE_LIMIT_BURST", 20),
		APIBackpressureMaxInFlight: mustEnvInt("API_BACKPRESSURE_MAX_IN_FLIGHT", 0),
		APIBackpressureWaitTimeout: mustEnvDuration("API_BACKPRESSURE_WAIT_TIMEOUT", 250*time.Millisecond),

		ResilienceRetryMaxAttempts:    mustEnvInt("RESILIENCE_RETRY_MAX_ATTEMPTS", 1),
		ResilienceRetryInitialBackoff: mustEnvDuration("RESILIENCE_RETRY_INITIAL_BACKOFF", 100*time.Millisecond),
		ResilienceBreakerEnabled:      mustEnvBool("RESILIENCE_BREAKER_ENABLED", true),
		ResilienceBreakerOpenTimeout:  mustEnvDuration("RESILIENCE_BREAKER_OPEN_TIMEOUT", 30*time.Second),

		WorkerMetricsPort:   mustEnv("WORKER_METRICS_PORT", "9090"),
		WorkerIngestTimeout: mustEnvDuration("WORKER_INGEST_TIMEOUT", time.Hour),
	}
}

func mustEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
