// Command terminal runs the point-of-sale sync daemon: it owns the local
// offline queue and periodically replays it against the store server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"retailpos/internal/config"
	"retailpos/internal/offline"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.LoadTerminal()
	log := logger.With(zap.String("terminal_id", cfg.TerminalID))

	if cfg.AccessToken == "" {
		log.Fatal("TERMINAL_ACCESS_TOKEN is required")
	}

	queue, err := offline.OpenQueue(cfg.QueuePath)
	if err != nil {
		log.Fatal("open offline queue", zap.String("path", cfg.QueuePath), zap.Error(err))
	}
	defer func() { _ = queue.Close() }()

	processor := offline.NewHTTPProcessor(cfg.ServerURL, cfg.AccessToken)
	reconciler := offline.NewReconciler(queue, processor, log,
		time.Duration(cfg.SyncBaseDelayMS)*time.Millisecond,
		time.Duration(cfg.SyncMaxDelayMS)*time.Millisecond)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sync daemon started",
		zap.String("server_url", cfg.ServerURL),
		zap.Int("interval_seconds", cfg.SyncIntervalSeconds))

	runCycle(ctx, log, reconciler)

	ticker := time.NewTicker(time.Duration(cfg.SyncIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sync daemon stopping")
			return
		case <-ticker.C:
			runCycle(ctx, log, reconciler)
		}
	}
}

func runCycle(ctx context.Context, log *zap.Logger, reconciler *offline.Reconciler) {
	cycleCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	result, err := reconciler.Sync(cycleCtx)
	if err != nil {
		log.Error("sync cycle failed", zap.Error(err))
		return
	}
	if result.Synced > 0 || result.Failed > 0 || result.Remaining > 0 {
		log.Info("sync cycle finished",
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed),
			zap.Int("remaining", result.Remaining))
	}
}
