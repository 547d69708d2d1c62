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

	"github.com/kirillkom/fiscal-knowledge-engine/internal/bootstrap"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/logging"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("fiscal-worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		IngestObserver:  workerMetrics,
		BreakerObserver: workerMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	runIngest := func(runCtx context.Context, root string) error {
		runCtx, cancel := context.WithTimeout(runCtx, cfg.WorkerIngestTimeout)
		defer cancel()

		start := time.Now()
		workerMetrics.StartRun()
		report, err := app.IngestUC.IngestCorpus(runCtx, root)
		workerMetrics.FinishRun(time.Since(start), err)
		if err != nil {
			return err
		}
		slog.Info("worker_ingest_done", "run_id", report.RunID, "root", root, "new_embeddings", report.NewEmbeddings)
		return nil
	}

	if err := runIngest(ctx, cfg.CorpusPath); err != nil {
		slog.Error("worker_ingest_failed", "root", cfg.CorpusPath, "error", err)
		if app.Bus == nil {
			os.Exit(1)
		}
	}
	if app.Bus == nil {
		return
	}

	slog.Info("worker_subscribed", "subject", cfg.NATSIngestSubject)
	err = app.Bus.SubscribeIngestRequests(ctx, func(handlerCtx context.Context, req nats.IngestRequest) error {
		workerMetrics.ObserveQueueLag(time.Since(req.SentAt))
		root := req.Root
		if root == "" {
			root = cfg.CorpusPath
		}
		slog.Info("worker_ingest_request", "request_id", req.RequestID, "root", root)
		return runIngest(handlerCtx, root)
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
