// ScribeFlow ingestion gateway: receives storage notifications,
// deduplicates them and creates pipeline runs on the orchestrator.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/httpx"
	"github.com/aurelia-health/scribeflow/pkg/ingest"
	"github.com/aurelia-health/scribeflow/pkg/state"
)

func main() {
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "Path to a .env file")
	flag.Parse()
	config.LoadDotenv(*envFile)

	cfg, err := config.LoadIngest()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting ingestd",
		"http_port", cfg.HTTPPort,
		"orchestrator_url", cfg.OrchestratorURL)

	ctx := context.Background()

	stateClient, err := state.NewClient(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := stateClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	var tokens bus.TokenSource
	if cfg.Auth.SigningSecret != "" {
		ts, err := bus.NewSigningTokenSource(cfg.Auth)
		if err != nil {
			slog.Error("Failed to build token source", "error", err)
			os.Exit(1)
		}
		tokens = ts
	}

	svc := ingest.New(ingest.Config{
		Ingests:         stateClient.Ingests,
		OrchestratorURL: cfg.OrchestratorURL,
		Tokens:          tokens,
		CallRetry:       cfg.OrchRetry.Policy(),
		CallTimeout:     cfg.OrchTimeout,
		Concurrency:     cfg.OrchConcurrency,
		IdemTTL:         time.Duration(cfg.IdemTTLDays) * 24 * time.Hour,
	})

	reaper := state.NewReaper("ingestions", time.Hour, svc.ReapExpired)
	reaper.Start(ctx)
	defer reaper.Stop()

	server := httpx.NewServer()
	svc.Register(server.Echo(), bus.NewVerifier(cfg.Auth))
	server.Echo().GET("/health", httpx.HealthHandler(map[string]httpx.HealthCheck{
		"postgres": stateClient.Health,
	}))

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
