// Command agentdeckd runs the agentdeck control plane: the WebSocket session
// layer for agents and dashboards, the message router, the per-agent command
// queues, the trace collector and the REST surface.
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

	"github.com/agentdeck/agentdeck/pkg/api"
	"github.com/agentdeck/agentdeck/pkg/auth"
	"github.com/agentdeck/agentdeck/pkg/cleanup"
	"github.com/agentdeck/agentdeck/pkg/cmdqueue"
	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/orchestrator"
	"github.com/agentdeck/agentdeck/pkg/ratelimit"
	"github.com/agentdeck/agentdeck/pkg/registry"
	"github.com/agentdeck/agentdeck/pkg/router"
	"github.com/agentdeck/agentdeck/pkg/store"
	"github.com/agentdeck/agentdeck/pkg/trace"
)

func main() {
	setupLogging()

	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		slog.Error("Failed to initialize auth verifier", "error", err)
		os.Exit(1)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	// Core components, leaves first.
	reg := registry.New(cfg.Session)
	limiter := ratelimit.New(cfg.RateLimit)
	rt := router.New(cfg.Router, reg)
	queues := cmdqueue.NewManager(cfg.Queue)
	collector := trace.NewCollector(cfg.Trace, st)
	orch := orchestrator.New(cfg, st, reg, rt, queues, collector)
	retention := cleanup.New(cfg.Cleanup, st)

	go rt.Run(ctx)
	go orch.Run(ctx)
	go collector.Run(ctx)
	go reg.RunHeartbeat(ctx)
	go limiter.RunCleanup(ctx)
	go retention.Run(ctx)

	server := api.NewServer(ctx, cfg, verifier, st, reg, limiter, queues, collector, orch)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("agentdeck started", "store", cfg.Store.Driver)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	// Staged shutdown: stop taking work, drain queues, then the router and
	// sessions (via ctx), then the HTTP listener.
	queues.Shutdown(ctx)
	cancel()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	slog.Info("Shutdown complete")
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func openStore(ctx context.Context, cfg *config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		slog.Warn("Using in-memory store, all state is lost on restart")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg)
}
