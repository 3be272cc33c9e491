package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/compile"
	"github.com/wasmforge/orchestrator/internal/config"
	"github.com/wasmforge/orchestrator/internal/deploy"
	"github.com/wasmforge/orchestrator/internal/diagnose"
	"github.com/wasmforge/orchestrator/internal/quota"
	"github.com/wasmforge/orchestrator/internal/store"
	"github.com/wasmforge/orchestrator/internal/streaming"
	"github.com/wasmforge/orchestrator/internal/worker"
)

func main() {
	// Load .env file if present (development convenience).
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")
	_ = godotenv.Load("../../.env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting orchestrator worker", "worker_type", cfg.WorkerType, "env", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize backing stores ---
	st, err := store.New(ctx, cfg.StoreURI)
	if err != nil {
		slog.Error("failed to connect to job store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	broker, err := streaming.NewBroker(cfg.NATSURL())
	if err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	if err := broker.EnsureStreams(ctx); err != nil {
		slog.Error("failed to ensure broker streams", "error", err)
		os.Exit(1)
	}

	quotaGate, err := quota.New(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to quota store", "error", err)
		os.Exit(1)
	}
	defer quotaGate.Close()

	auditRecorder, err := audit.New(ctx, cfg.ClickHouseURL)
	if err != nil {
		slog.Error("failed to connect to audit trail", "error", err)
		os.Exit(1)
	}
	defer auditRecorder.Close()

	archiver, err := store.NewArchiver(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL, cfg.S3SkipBucketVerification)
	if err != nil {
		slog.Warn("log archiver initialization failed; archival is disabled", "error", err)
	}

	diagnoseClient := diagnose.NewClient(cfg.AnthropicAPIKey, "")
	if !diagnoseClient.IsAvailable() {
		slog.Info("no ANTHROPIC_API_KEY configured; failure diagnostics disabled")
	}

	compileRunner := compile.NewRunner(cfg.CompileToolchainBin, "", "", "")
	deployRunner := deploy.NewRunner(cfg.DeployToolchainBin, cfg.DeployIdentityName, cfg.HorizonURL, "")

	loop := worker.New(broker, st, quotaGate, compileRunner, deployRunner)
	// archiver is only assigned when non-nil: Loop.Archiver is an interface,
	// and storing a nil *store.Archiver in it would produce a non-nil
	// interface wrapping a nil pointer, defeating the `== nil` check in
	// archiveBestEffort.
	if archiver != nil {
		loop.Archiver = archiver
	}
	loop.Audit = auditRecorder
	loop.Diagnose = diagnoseClient

	switch cfg.WorkerType {
	case "compile":
		if err := loop.StartCompileWorker(ctx, cfg.CompileWorkerConcurrency); err != nil {
			slog.Error("failed to start compile worker", "error", err)
			os.Exit(1)
		}
		slog.Info("compile worker ready", "concurrency", cfg.CompileWorkerConcurrency)
	case "deploy":
		if err := loop.StartDeployWorker(ctx, cfg.DeployWorkerConcurrency); err != nil {
			slog.Error("failed to start deploy worker", "error", err)
			os.Exit(1)
		}
		slog.Info("deploy worker ready", "concurrency", cfg.DeployWorkerConcurrency)
	default:
		slog.Error(fmt.Sprintf("unknown WORKER_TYPE %q", cfg.WorkerType))
		os.Exit(1)
	}

	// --- Wait for shutdown signal ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("received shutdown signal, draining...", "signal", sig)
	cancel()
	slog.Info("orchestrator worker stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
