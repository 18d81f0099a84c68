package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"speedy/internal/analytics"
	"speedy/internal/api"
	"speedy/internal/config"
	"speedy/internal/filesystem"
	"speedy/internal/logger"
	"speedy/internal/queue"
	"speedy/internal/security"
	"speedy/internal/storage"
)

func main() {
	log, logBroadcast, err := logger.New(os.Stdout)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	store, err := storage.Open()
	if err != nil {
		log.Error("error initializing storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	defer store.Checkpoint()

	cfg := config.New(store)
	audit := security.NewAuditLogger(log)
	defer audit.Close()

	downloadsDir := filesystem.DefaultDownloadsDir()
	tracker := analytics.NewTracker(store, func() string { return downloadsDir })

	coordinator := queue.New(store, cfg, tracker, log, downloadsDir)
	resumeInterruptedDownloads(log, store, coordinator)

	bridge := api.NewBridgeServer(coordinator, cfg, audit, tracker, logBroadcast, log, downloadsDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("speedy starting", "downloads_dir", downloadsDir, "bridge_port", cfg.BridgePort())
	if err := bridge.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		log.Error("bridge server exited", "error", err)
		os.Exit(1)
	}
	log.Info("speedy shutting down")
}

// resumeInterruptedDownloads restarts every download left in the
// "downloading" status by a prior run that never reached completed or
// error — a fresh Engine's resume scan will pick up whatever part files
// survive.
func resumeInterruptedDownloads(log *slog.Logger, store *storage.Store, coordinator *queue.Coordinator) {
	rows, err := store.ListByStatus(storage.StatusDownloading)
	if err != nil {
		log.Error("failed to scan for interrupted downloads", "error", err)
		return
	}
	for _, row := range rows {
		log.Info("resuming interrupted download", "download_id", row.DownloadID)
		if err := coordinator.Resume(row.DownloadID, nil); err != nil {
			log.Error("failed to resume interrupted download", "download_id", row.DownloadID, "error", err)
		}
	}
}
