// SohnBot core daemon: gates agent operations through the capability
// broker, drains the notification outbox, and serves local status endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MirkoSon/SohnBot/pkg/api"
	"github.com/MirkoSon/SohnBot/pkg/broker"
	"github.com/MirkoSon/SohnBot/pkg/cleanup"
	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/database"
	"github.com/MirkoSon/SohnBot/pkg/gateway"
	"github.com/MirkoSon/SohnBot/pkg/gitops"
	"github.com/MirkoSon/SohnBot/pkg/notify"
	"github.com/MirkoSon/SohnBot/pkg/observe"
	"github.com/MirkoSon/SohnBot/pkg/postpone"
	"github.com/MirkoSon/SohnBot/pkg/services"
	"github.com/MirkoSon/SohnBot/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging routes slog to the configured file (falling back to stderr)
// at the configured level.
func setupLogging(cfg *config.Manager) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.GetString("logging.level")) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARNING", "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	out := os.Stderr
	if path := cfg.GetString("logging.file_path"); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				out = f
			}
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
}

func main() {
	configFile := flag.String("config",
		getEnv("SOHNBOT_CONFIG_FILE", "./config/sohnbot.toml"),
		"Path to the TOML configuration file")
	envFile := flag.String("env-file",
		getEnv("SOHNBOT_ENV_FILE", "./.env"),
		"Path to the .env file")
	flag.Parse()

	ctx := context.Background()

	// 1. Configuration: static first, then dynamic seeds
	cfg := config.NewManager(*configFile, *envFile)
	if err := cfg.LoadStatic(); err != nil {
		slog.Error("Failed to load static configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.LoadDynamicDefaults(); err != nil {
		slog.Error("Failed to load dynamic configuration", "error", err)
		os.Exit(1)
	}
	config.Install(cfg)
	setupLogging(cfg)

	slog.Info("Starting SohnBot",
		"version", version.Full(),
		"config_file", *configFile)

	// 2. Database: migrations, then the shared WAL connection
	dbPath := cfg.GetString("database.path")
	if err := database.RunMigrations(ctx, dbPath); err != nil {
		slog.Error("Failed to run migrations", "path", dbPath, "error", err)
		os.Exit(1)
	}
	dbManager := database.NewManager(dbPath)
	database.Install(dbManager)
	defer func() {
		if err := dbManager.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	db, err := dbManager.DB()
	if err != nil {
		slog.Error("Failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "path", dbPath)

	// 3. Dynamic config becomes DB-backed from here on
	cfg.AttachDB(db)
	if err := cfg.SyncDynamicWithDB(ctx); err != nil {
		slog.Error("Failed to sync dynamic config with database", "error", err)
		os.Exit(1)
	}

	// 4. Stores and broker
	audit := services.NewAuditService(db)
	outbox := services.NewOutboxService(db)
	postponeStore := services.NewPostponementService(db)

	allowedRoots := cfg.GetStringList("scope.allowed_roots")
	router := broker.NewRouter(cfg, broker.NewScopeValidator(allowedRoots), audit, outbox)
	slog.Info("Broker initialized", "allowed_roots", allowedRoots)

	// 5. Retention sweeper over the persisted tables
	retention := cleanup.NewService(cfg, audit, outbox, postponeStore)
	retention.Start(ctx)
	defer retention.Stop()

	// 6. Postponement recovery before anything can enqueue new work
	postponeManager := postpone.NewManager(cfg, postponeStore, outbox)
	if err := postponeManager.RecoverPending(ctx); err != nil {
		slog.Error("Failed to recover postponed operations", "error", err)
		// Non-fatal, continue startup
	}
	defer postponeManager.Stop()

	// 7. Notification worker. The transport is injected; without a chat
	// client configured, deliveries go to the log.
	worker := notify.NewWorker(cfg, outbox, notify.TransportFunc(func(chatID int64, text string) bool {
		slog.Info("notification_delivered", "chat_id", chatID, "text", text)
		return true
	}))
	worker.Start()
	defer worker.Stop()

	// 8. Observability collector
	logDir := filepath.Dir(cfg.GetString("logging.file_path"))
	collector := observe.NewCollector(cfg, db, audit, outbox, dbPath, logDir)
	collector.SetSnapshotBranchCounter(func(ctx context.Context) int {
		return countSnapshotBranches(ctx, allowedRoots)
	})
	collector.Start()
	defer collector.Stop()

	// 9. Loopback HTTP server: status endpoints plus the agent tool surface
	var statusServer *api.Server
	if cfg.GetBool("observability.http_enabled") {
		statusServer = api.NewServer(cfg, collector)
		statusServer.SetToolDispatcher(gateway.NewToolDispatcher(router))
		if err := statusServer.Start(); err != nil {
			slog.Error("Failed to start status server", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("SohnBot started successfully", "tools", len(gateway.ToolNames))

	// 10. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", fmt.Sprint(sig))

	// 11. Graceful shutdown: HTTP first, then the deferred workers
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Status server shutdown error", "error", err)
		}
		cancel()
	}
	slog.Info("Shutdown complete")
}

// countSnapshotBranches totals snapshot branches across every allowed root
// that is a git repository.
func countSnapshotBranches(ctx context.Context, roots []string) int {
	total := 0
	for _, root := range roots {
		repo, err := gitops.FindRepoRoot(root)
		if err != nil {
			continue
		}
		snapshots, err := gitops.ListSnapshots(ctx, repo, 10*time.Second)
		if err != nil {
			continue
		}
		total += len(snapshots)
	}
	return total
}
