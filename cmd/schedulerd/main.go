package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mcpscheduler/internal/api"
	"mcpscheduler/internal/config"
	"mcpscheduler/internal/core"
	"mcpscheduler/internal/logging"
	schedulermcp "mcpscheduler/internal/mcp"
	"mcpscheduler/internal/notify"
	"mcpscheduler/internal/store"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Parse(version)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.DBPath, cfg.HistoryKeep)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	// Desktop delivery must succeed for a reminder to count; the push
	// mirror is best effort and only logs its failures.
	var notifier notify.Notifier = notify.NewDesktopNotifier()
	if cfg.PushURL != "" {
		push, err := notify.NewPushNotifier(cfg.PushURL)
		if err != nil {
			logger.Error("configure push notifier", "err", err)
			os.Exit(1)
		}
		notifier = notify.NewMultiNotifier(notifier, notify.NewBestEffortNotifier(push, logger))
	}

	executor := core.NewExecutor(cfg.ExecutionTimeout, cfg.AIOptions(), notifier, logger)
	engine := core.NewEngine(storeInst, executor, logger, cfg.CheckInterval)

	engine.Start()

	switch cfg.Server.Transport {
	case "stdio":
		runStdio(cfg, storeInst, engine, logger)
	case "sse":
		runSSE(cfg, storeInst, engine, logger)
	case "http":
		runHTTP(cfg, storeInst, engine, logger)
	case "both":
		runBoth(cfg, storeInst, engine, logger)
	default:
		logger.Error("invalid transport", "transport", cfg.Server.Transport, "valid", []string{"stdio", "sse", "http", "both"})
		os.Exit(1)
	}
}

// runStdio serves MCP over stdin/stdout. Logging stays on stderr so the
// JSON-RPC stream is not corrupted.
func runStdio(cfg *config.Config, st *store.Store, engine *core.Engine, logger *slog.Logger) {
	mcpServer := schedulermcp.NewServer(st, engine, logger, cfg.Server.Name, cfg.Server.Version)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("received signal, shutting down", "signal", sig.String())
		shutdownEngine(engine, cfg, logger)
		os.Exit(0)
	}()

	if err := mcpServer.ServeStdio(); err != nil {
		logger.Error("mcp stdio server error", "err", err)
		os.Exit(1)
	}
	shutdownEngine(engine, cfg, logger)
}

// runSSE serves MCP over server-sent events on the configured address.
func runSSE(cfg *config.Config, st *store.Store, engine *core.Engine, logger *slog.Logger) {
	mcpServer := schedulermcp.NewServer(st, engine, logger, cfg.Server.Name, cfg.Server.Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := mcpServer.ServeSSE(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("mcp sse server listening", "addr", cfg.Server.Addr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("mcp sse server error", "err", err)
	}

	shutdownEngine(engine, cfg, logger)
}

// runHTTP starts only the REST API server.
func runHTTP(cfg *config.Config, st *store.Store, engine *core.Engine, logger *slog.Logger) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, engine, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	shutdownEngine(engine, cfg, logger)
}

// runBoth serves MCP on stdio and the REST API on the configured address.
func runBoth(cfg *config.Config, st *store.Store, engine *core.Engine, logger *slog.Logger) {
	mcpServer := schedulermcp.NewServer(st, engine, logger, cfg.Server.Name, cfg.Server.Version)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.ServeStdio(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, engine, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp stdio server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	shutdownEngine(engine, cfg, logger)
}

// shutdownEngine stops the trigger loop, then gives in-flight executions the
// shutdown grace period to finish before the process exits.
func shutdownEngine(engine *core.Engine, cfg *config.Config, logger *slog.Logger) {
	engine.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer drainCancel()
	if err := engine.Drain(drainCtx); err != nil {
		logger.Warn("executions still running at shutdown", "err", err)
		return
	}
	logger.Info("shutdown complete")
}
