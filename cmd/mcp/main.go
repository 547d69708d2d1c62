package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	mcpadapter "github.com/kirillkom/fiscal-knowledge-engine/internal/adapters/mcp"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/bootstrap"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/config"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/observability/logging"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	// stdout carries the protocol.
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "fiscal-mcp", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go func() {
		if err := app.SubscribeReload(ctx, nil); err != nil {
			slog.Error("reload_subscription_failed", "error", err)
		}
	}()

	server := mcpadapter.NewServer(app.ContextUC, app.Knowledge, version)
	if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		slog.Error("mcp_server_failed", "error", err)
	}
}
