package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/adapters/cli"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/bootstrap"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "fiscalctl", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, release := cli.NewRootCommand(func(ctx context.Context) (*cli.Services, func(), error) {
		app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
		if err != nil {
			return nil, nil, err
		}
		services := &cli.Services{
			Contexts:   app.ContextUC,
			Ingestor:   app.IngestUC,
			Knowledge:  app.Knowledge,
			CorpusPath: cfg.CorpusPath,
		}
		if app.Bus != nil {
			services.Publisher = app.Bus
		}
		return services, app.Close, nil
	})

	err := root.ExecuteContext(ctx)
	release()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
