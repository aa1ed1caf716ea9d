// ScribeFlow orchestrator: creates runs, consumes stage lifecycle
// events and advances each run through the pipeline state machine.
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
	"github.com/aurelia-health/scribeflow/pkg/orchestrator"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/state"
)

func main() {
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "Path to a .env file")
	flag.Parse()
	config.LoadDotenv(*envFile)

	cfg, err := config.LoadOrchestrator()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting orchestratord",
		"http_port", cfg.HTTPPort,
		"brokers", cfg.Bus.Brokers,
		"consumer_group", cfg.Bus.ConsumerGroup)

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

	publisher := bus.NewKafkaPublisher(cfg.Bus)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("Error closing publisher", "error", err)
		}
	}()

	svc := orchestrator.New(orchestrator.Config{
		Runs:         stateClient.Runs,
		Publisher:    publisher,
		PublishRetry: cfg.Bus.Retry.Policy(),
		RunTTL:       time.Duration(cfg.RunTTLDays) * 24 * time.Hour,
	})

	// The orchestrator reacts to every stage's terminal events.
	topics := make([]pipeline.EventType, 0, 2*len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		topics = append(topics,
			pipeline.EventTypeFor(stage, pipeline.KindCompleted),
			pipeline.EventTypeFor(stage, pipeline.KindFailed))
	}
	bridge := bus.NewBridge(bus.BridgeConfig{
		Bus:      cfg.Bus,
		Tokens:   tokens,
		PushURL:  "http://127.0.0.1:" + cfg.HTTPPort + "/events/pubsub",
		Audience: cfg.Auth.Audience,
		Topics:   topics,
	})

	reaper := state.NewReaper("runs", time.Hour, svc.ReapExpired)
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

	// The bridge delivers to our own HTTP endpoint, so it starts after
	// the server goroutine is on its way up.
	bridge.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	bridge.Stop()
	slog.Info("Consumer bridge stopped")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
