package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/usecase"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/chunking"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/embedding/openai"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/storage/localfs"
)

// Options selects the observers of the process being bootstrapped.
type Options struct {
	RetrievalObserver usecase.RetrievalObserver
	IngestObserver    usecase.IngestObserver
	BreakerObserver   resilience.BreakerObserver
	// DisableBus keeps the process off NATS even when NATS_URL is set.
	DisableBus bool
}

type App struct {
	Config config.Config

	Knowledge *usecase.KnowledgeBase
	Cache     *usecase.EmbeddingCache
	ContextUC *usecase.AnswerContextUseCase
	IngestUC  *usecase.IngestCorpusUseCase

	// Bus is nil when NATS is not configured.
	Bus *nats.Bus

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	executor := resilience.NewExecutor(resilienceConfig(cfg), resilience.WithBreakerObserver(opts.BreakerObserver))

	provider, err := openai.New(openai.Options{
		BaseURL:            cfg.EmbeddingBaseURL,
		APIKey:             cfg.EmbeddingAPIKey,
		Timeout:            cfg.EmbeddingTimeout,
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}

	store, err := localfs.New(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("init embedding store: %w", err)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	manifest, db, err := openManifest(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		closers = append(closers, func() { _ = db.Close() })
	}

	var bus *nats.Bus
	var publisher ports.ReloadPublisher
	if cfg.NATSURL != "" && !opts.DisableBus {
		bus, err = nats.New(cfg.NATSURL, nats.Options{
			ReloadSubject:      cfg.NATSReloadSubject,
			IngestSubject:      cfg.NATSIngestSubject,
			ResilienceExecutor: executor,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init message bus: %w", err)
		}
		publisher = bus
		closers = append(closers, bus.Close)
	}

	cache, err := usecase.NewEmbeddingCache(ctx, store, provider, usecase.EmbeddingCacheConfig{
		ModelVersion: cfg.EmbeddingModel,
		BatchSize:    cfg.EmbedBatchSize,
		PaceInterval: cfg.EmbedPaceInterval,
	})
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}

	knowledge := usecase.NewKnowledgeBase(store, cfg.EmbeddingModel)
	if err := knowledge.Reload(ctx); err != nil {
		closeAll()
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}

	detectorCfg, err := detectorConfig(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	splitter := chunking.NewSplitter(cfg.ChunkMaxWords, cfg.ChunkOverlapWords, cfg.ChunkMinChars)
	search := usecase.NewMultiProfileSearch(
		provider,
		usecase.NewProfileDetector(detectorCfg),
		knowledge,
		opts.RetrievalObserver,
		searchConfig(cfg, splitter),
	)
	contextUC := usecase.NewAnswerContextUseCase(search, usecase.ContextAssembler{MaxChars: cfg.ContextMaxChars})
	ingestUC := usecase.NewIngestCorpusUseCase(
		plaintext.NewCorpusReader(),
		splitter,
		cache,
		store,
		manifest,
		publisher,
		opts.IngestObserver,
	)

	return &App{
		Config:    cfg,
		Knowledge: knowledge,
		Cache:     cache,
		ContextUC: contextUC,
		IngestUC:  ingestUC,
		Bus:       bus,
		closeFn:   closeAll,
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// IngestRequester returns the bus as an ingest requester, or nil when NATS
// is not configured.
func (a *App) IngestRequester() ports.IngestRequester {
	if a.Bus == nil {
		return nil
	}
	return a.Bus
}

// SubscribeReload rebuilds the knowledge base on every reload signal. It is a
// no-op without a bus.
func (a *App) SubscribeReload(ctx context.Context, onReload func([]domain.ProfileStats, error)) error {
	if a.Bus == nil {
		return nil
	}
	return a.Bus.SubscribeReload(ctx, func(ctx context.Context, sig nats.ReloadSignal) error {
		err := a.Knowledge.Reload(ctx)
		if onReload != nil {
			onReload(a.Knowledge.Stats(), err)
		}
		if err != nil {
			return err
		}
		slog.Info("knowledge_reload_signal", "reason", sig.Reason, "sent_at", sig.SentAt)
		return nil
	})
}

func openManifest(ctx context.Context, cfg config.Config) (ports.SourceManifest, *sql.DB, error) {
	if cfg.PostgresDSN == "" {
		manifest, err := localfs.OpenManifest(cfg.ManifestPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open source manifest: %w", err)
		}
		return manifest, nil, nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	manifest := postgres.NewSourceManifest(db)
	if err := manifest.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return manifest, db, nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	out.RetryInitialBackoff = cfg.ResilienceRetryInitialBackoff
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	out.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	return out
}

// detectorConfig merges marker overrides from PROFILES_CONFIG_PATH into the
// built-in markers, or replaces them when the file asks for it.
// searchConfig takes the window geometry from the normalised splitter so
// overlap detection matches the chunks actually produced.
func searchConfig(cfg config.Config, splitter *chunking.Splitter) usecase.SearchConfig {
	return usecase.SearchConfig{
		ModelVersion:  cfg.EmbeddingModel,
		MaxWords:      splitter.MaxWords,
		Step:          splitter.Step(),
		MinConfidence: cfg.SearchMinConfidence,
		Defaults: domain.SearchOptions{
			MaxProfiles:    cfg.SearchMaxProfiles,
			TopKPerProfile: cfg.SearchTopKPerProfile,
			MaxResults:     cfg.SearchMaxResults,
		},
	}
}

func detectorConfig(cfg config.Config) (usecase.ProfileDetectorConfig, error) {
	out := usecase.DefaultProfileDetectorConfig()
	out.LexicalWeight = cfg.DetectorLexicalWeight
	out.SemanticWeight = cfg.DetectorSemanticWeight
	out.SemanticFloor = cfg.DetectorSemanticFloor

	replace, overrides, err := config.LoadProfileMarkers(cfg.ProfilesConfigPath)
	if err != nil {
		return usecase.ProfileDetectorConfig{}, fmt.Errorf("load profile markers: %w", err)
	}
	if replace {
		out.Markers = make(map[domain.Profile][]usecase.Marker, len(overrides))
	}
	for profile, specs := range overrides {
		for _, spec := range specs {
			out.Markers[profile] = append(out.Markers[profile], usecase.Marker{Term: spec.Term, Weight: spec.Weight})
		}
	}
	return out, nil
}
