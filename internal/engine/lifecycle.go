package engine

import (
	"log/slog"

	"speedy/internal/analytics"
	"speedy/internal/storage"
)

// RunLifecycle drains an Engine's Lifecycle() stream and translates each
// event into a persistence write: Initialize sets total_size and flips
// status to downloading, BytesReceived calls update_progress, Complete
// calls mark_complete and records the finished file in daily/lifetime
// stats. Intended to run in its own goroutine for the lifetime of one
// download; it returns once the channel is closed (the Engine's Run has
// finished emitting).
func RunLifecycle(logger *slog.Logger, store *storage.Store, tracker *analytics.Tracker, events <-chan Event) {
	for ev := range events {
		switch ev.Kind {
		case EventInitialize:
			if err := store.SetTotalSize(ev.DownloadID, ev.FileSize); err != nil {
				logger.Error("persistence: set total size failed", "download_id", ev.DownloadID, "error", err)
			}
			if err := store.UpdateStatus(ev.DownloadID, storage.StatusDownloading); err != nil {
				logger.Error("persistence: update status failed", "download_id", ev.DownloadID, "error", err)
			}
		case EventBytesReceived:
			if ev.Delta == 0 {
				continue
			}
			if err := store.UpdateProgress(ev.DownloadID, ev.Delta); err != nil {
				logger.Error("persistence: update progress failed", "download_id", ev.DownloadID, "error", err)
			}
			if tracker != nil {
				tracker.TrackBytes(ev.Delta)
			}
		case EventSegmentError:
			logger.Warn("segment reported an error", "download_id", ev.DownloadID, "segment_id", ev.SegmentID, "message", ev.Message)
		case EventComplete:
			if err := store.MarkComplete(ev.DownloadID, ev.SavePath); err != nil {
				logger.Error("persistence: mark complete failed", "download_id", ev.DownloadID, "error", err)
			}
			if tracker != nil {
				tracker.TrackFileCompleted()
			}
		}
	}
}
