package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/fiscal-knowledge-engine/internal/adapters/http"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/bootstrap"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/logging"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("fiscal-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		RetrievalObserver: httpMetrics,
		BreakerObserver:   httpMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()
	httpMetrics.RecordReload(app.Knowledge.Stats(), nil)

	go func() {
		err := app.SubscribeReload(ctx, func(stats []domain.ProfileStats, err error) {
			httpMetrics.RecordReload(stats, err)
		})
		if err != nil {
			slog.Error("reload_subscription_failed", "error", err)
		}
	}()

	router := httpadapter.NewRouter(cfg, app.ContextUC, app.Knowledge, app.IngestRequester(), httpMetrics).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "addr", server.Addr, "model", cfg.EmbeddingModel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
