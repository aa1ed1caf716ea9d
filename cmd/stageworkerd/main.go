// ScribeFlow stage worker. One process serves exactly one pipeline
// stage: it consumes that stage's request events, dispatches queued
// tasks to its own executor endpoint and publishes the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aurelia-health/scribeflow/pkg/artifact"
	"github.com/aurelia-health/scribeflow/pkg/bus"
	"github.com/aurelia-health/scribeflow/pkg/config"
	"github.com/aurelia-health/scribeflow/pkg/httpx"
	"github.com/aurelia-health/scribeflow/pkg/pipeline"
	"github.com/aurelia-health/scribeflow/pkg/stages"
	"github.com/aurelia-health/scribeflow/pkg/stages/audit"
	"github.com/aurelia-health/scribeflow/pkg/stages/redact"
	"github.com/aurelia-health/scribeflow/pkg/stages/soapnote"
	"github.com/aurelia-health/scribeflow/pkg/stages/transcribe"
	"github.com/aurelia-health/scribeflow/pkg/state"
	"github.com/aurelia-health/scribeflow/pkg/taskqueue"
	"github.com/aurelia-health/scribeflow/pkg/worker"
)

// resolvePodID determines the worker identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// buildExecutor assembles the stage executor. Every stage except the
// first reads its predecessor's artifact from that stage's bucket.
func buildExecutor(ctx context.Context, cfg *config.Worker) (stages.Executor, error) {
	readStore := func(stage pipeline.Stage) (artifact.Store, error) {
		return artifact.NewS3Store(ctx, cfg.Artifact, cfg.Artifact.BucketFor(stage))
	}

	switch cfg.Stage {
	case pipeline.StageTranscribe:
		fetcher, err := artifact.NewS3Fetcher(ctx, cfg.Artifact)
		if err != nil {
			return nil, err
		}
		return transcribe.New(stages.NewOpenAIClient(cfg.Model), fetcher, cfg.Model.Model), nil
	case pipeline.StageRedact:
		transcripts, err := readStore(pipeline.StageTranscribe)
		if err != nil {
			return nil, err
		}
		return redact.New(transcripts, cfg.RedactionSalt), nil
	case pipeline.StageAudit:
		redacted, err := readStore(pipeline.StageRedact)
		if err != nil {
			return nil, err
		}
		return audit.New(redacted, stages.NewOpenAIClient(cfg.Model), cfg.Model.Model), nil
	case pipeline.StageSoap:
		redacted, err := readStore(pipeline.StageRedact)
		if err != nil {
			return nil, err
		}
		return soapnote.New(redacted, stages.NewOpenAIClient(cfg.Model), cfg.Model.Model, true), nil
	}
	return nil, fmt.Errorf("no executor for stage %q", cfg.Stage)
}

func main() {
	stageName := flag.String("stage", os.Getenv("STAGE"), "Pipeline stage this worker serves")
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "Path to a .env file")
	flag.Parse()
	config.LoadDotenv(*envFile)

	cfg, err := config.LoadWorker(*stageName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	podID := resolvePodID()
	slog.Info("Starting stageworkerd",
		"stage", cfg.Stage,
		"http_port", cfg.HTTPPort,
		"pod_id", podID)

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

	executor, err := buildExecutor(ctx, cfg)
	if err != nil {
		slog.Error("Failed to build stage executor", "stage", cfg.Stage, "error", err)
		os.Exit(1)
	}

	store, err := artifact.NewS3Store(ctx, cfg.Artifact, cfg.Artifact.BucketFor(cfg.Stage))
	if err != nil {
		slog.Error("Failed to open artifact store", "error", err)
		os.Exit(1)
	}

	publisher := bus.NewKafkaPublisher(cfg.Bus)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("Error closing publisher", "error", err)
		}
	}()

	svc := worker.New(worker.Config{
		Executor:     executor,
		Store:        store,
		Enqueuer:     taskqueue.NewEnqueuer(stateClient.Tasks, cfg.QueueMaxAttempts),
		Publisher:    publisher,
		PublishRetry: cfg.PublishRetry.Policy(),
		StageTimeout: cfg.StageTimeout,
	})

	// Stale locks must outlive StageTimeout or in-flight tasks get
	// double-dispatched.
	dispatcher := taskqueue.NewDispatcher(taskqueue.Config{
		PodID:        podID,
		Stage:        cfg.Stage,
		Tasks:        stateClient.Tasks,
		TargetURL:    cfg.WorkerURL + "/tasks/" + string(cfg.Stage),
		Tokens:       tokens,
		Audience:     cfg.Auth.Audience,
		Workers:      cfg.QueueWorkers,
		PollInterval: cfg.QueuePollInterval,
		PollJitter:   cfg.QueuePollJitter,
		StaleAfter:   3 * cfg.StageTimeout,
		Client:       &http.Client{Timeout: cfg.StageTimeout + 30*time.Second},
	})

	bridge := bus.NewBridge(bus.BridgeConfig{
		Bus:      cfg.Bus,
		Tokens:   tokens,
		PushURL:  "http://127.0.0.1:" + cfg.HTTPPort + "/events/pubsub",
		Audience: cfg.Auth.Audience,
		Topics:   []pipeline.EventType{pipeline.EventTypeFor(cfg.Stage, pipeline.KindRequested)},
	})

	server := httpx.NewServer()
	svc.Register(server.Echo(), bus.NewVerifier(cfg.Auth))
	server.Echo().GET("/health", httpx.HealthHandler(map[string]httpx.HealthCheck{
		"postgres": stateClient.Health,
	}))

	dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	bridge.Start(ctx)
	slog.Info("Stage worker started", "stage", cfg.Stage, "queue_workers", cfg.QueueWorkers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first, then let in-flight executor calls drain.
	bridge.Stop()
	slog.Info("Consumer bridge stopped")

	done := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Task dispatcher stopped gracefully")
	case <-time.After(cfg.StageTimeout + 10*time.Second):
		slog.Warn("Task dispatcher shutdown timeout exceeded, stale locks will be recovered")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
