package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wasmforge/orchestrator/internal/api"
	"github.com/wasmforge/orchestrator/internal/api/handlers"
	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/config"
	"github.com/wasmforge/orchestrator/internal/quota"
	"github.com/wasmforge/orchestrator/internal/store"
	"github.com/wasmforge/orchestrator/internal/streaming"
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
	slog.Info("starting orchestrator API server", "port", cfg.APIPort, "env", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize backing stores ---
	st, err := store.New(ctx, cfg.StoreURI)
	if err != nil {
		slog.Error("failed to connect to job store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	auditRecorder, err := audit.New(ctx, cfg.ClickHouseURL)
	if err != nil {
		slog.Error("failed to connect to audit trail", "error", err)
		os.Exit(1)
	}
	defer auditRecorder.Close()

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

	// --- WebSocket hub ---
	wsHub := streaming.NewHub(broker, st)
	go wsHub.Run()

	// --- Build handlers ---
	healthHandler := handlers.NewHealthHandler(
		st.Ping,
		func(ctx context.Context) error { return auditRecorder.Ping(ctx) },
		func(ctx context.Context) error { return broker.Ping() },
		quotaGate.Ping,
	)

	compileHandler := handlers.NewCompileHandler(st, broker, auditRecorder)
	deployHandler := handlers.NewDeployHandler(st, broker, quotaGate, auditRecorder)
	getJobHandler := handlers.NewGetJobHandler(st)
	listJobsHandler := handlers.NewListJobsHandler(st)
	streamHandler := handlers.NewStreamHandler(wsHub, cfg.AllowedOrigins)

	// --- Build router ---
	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		DevMode:         cfg.IsDevelopment(),
		AuthSecretKey:   cfg.AuthSecretKey,
		HealthHandler:   healthHandler,
		CompileHandler:  compileHandler,
		DeployHandler:   deployHandler,
		GetJobHandler:   getJobHandler,
		ListJobsHandler: listJobsHandler,
		WSHandler:       streamHandler,
	})

	// --- Start HTTP server ---
	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("orchestrator API server stopped")
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
