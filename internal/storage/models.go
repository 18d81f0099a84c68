// Package storage is the persistence layer: one gorm-backed sqlite table
// recording every download's lifecycle, so an interrupted run can resume
// against durable state after restart.
package storage

import (
	"errors"
)

// Status values a Download can hold. Transitions are driven by the engine
// and the Coordinator; the store itself never changes a status on its own.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// ErrNotFound is returned by Get/Delete when no row matches the download id.
var ErrNotFound = errors.New("storage: download not found")

// ErrDuplicate is returned by Insert when the download id already exists.
var ErrDuplicate = errors.New("storage: download id already exists")

// Download is one user-initiated download, persisted until explicitly
// deleted. No gorm.DeletedAt here: delete means the row is gone and its
// download_id immediately reusable — a soft-delete column would leave the
// row (and its unique download_id) alive under gorm's default scope and
// make a delete-then-reinsert-same-id sequence fail the unique constraint.
type Download struct {
	ID              uint   `gorm:"primaryKey" json:"-"`
	DownloadID      uint64 `gorm:"uniqueIndex;not null" json:"download_id,string"`
	URL             string `json:"url"`
	Filename        string `json:"filename"`
	TotalSize       int64  `json:"total_size"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	Status          string `gorm:"index" json:"status"`
	ErrorMessage    string `json:"error_message,omitempty"`
	Parts           int    `json:"parts"`
	SavePath        string `json:"save_path,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

// TableName pins the table name regardless of gorm's pluralization rules.
func (Download) TableName() string {
	return "downloads"
}

// DailyStat is a supplemental analytics row: bytes downloaded and files
// completed per calendar day, fed by the engine's lifecycle task (bytes on
// every BytesReceived event, files on every Complete event).
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string {
	return "daily_stats"
}

// AppSetting is a generic key/value row backing internal/config.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string {
	return "app_settings"
}
