package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the single-table relational store described in the persistence
// design: every write and every read takes the same lock. Write rate is low
// (dominated by UI-tick flushes), so correctness over throughput is the
// right tradeoff, not raw concurrency.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open creates (or attaches to) the sqlite database at the platform data
// directory, `speedy/downloads.db`, and migrates the schema.
func Open() (*Store, error) {
	dataDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("storage: resolve data dir: %w", err)
	}
	dbDir := filepath.Join(dataDir, "speedy")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	return OpenAt(filepath.Join(dbDir, "downloads.db"))
}

// OpenAt opens a store at an explicit path (":memory:" for tests).
func OpenAt(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(&Download{}, &DailyStat{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint, used on graceful shutdown.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Insert assigns an internal row id and persists a new Download. Fails on a
// duplicate download_id.
func (s *Store) Insert(d Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Download
	err := s.db.Where("download_id = ?", d.DownloadID).First(&existing).Error
	if err == nil {
		return ErrDuplicate
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("storage: check duplicate: %w", err)
	}

	ts := now()
	d.CreatedAt = ts
	d.UpdatedAt = ts
	if d.Status == "" {
		d.Status = StatusQueued
	}

	if err := s.db.Create(&d).Error; err != nil {
		return fmt.Errorf("storage: insert: %w", err)
	}
	return nil
}

// UpdateProgress atomically adds delta to downloaded_bytes and bumps
// updated_at. delta must be >= 0: downloaded_bytes is monotonically
// nondecreasing across persisted updates.
func (s *Store) UpdateProgress(downloadID uint64, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("storage: negative progress delta %d", delta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Model(&Download{}).
		Where("download_id = ?", downloadID).
		Updates(map[string]interface{}{
			"downloaded_bytes": gorm.Expr("downloaded_bytes + ?", delta),
			"updated_at":       now(),
		})
	if res.Error != nil {
		return fmt.Errorf("storage: update progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets status and bumps updated_at.
func (s *Store) UpdateStatus(downloadID uint64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(downloadID, status)
}

func (s *Store) updateStatusLocked(downloadID uint64, status string) error {
	res := s.db.Model(&Download{}).
		Where("download_id = ?", downloadID).
		Updates(map[string]interface{}{"status": status, "updated_at": now()})
	if res.Error != nil {
		return fmt.Errorf("storage: update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotalSize records the probed Content-Length once known.
func (s *Store) SetTotalSize(downloadID uint64, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.db.Model(&Download{}).
		Where("download_id = ?", downloadID).
		Updates(map[string]interface{}{"total_size": size, "updated_at": now()})
	if res.Error != nil {
		return fmt.Errorf("storage: set total size: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkComplete sets status=completed, stamps completed_at, and records the
// merged artifact's path.
func (s *Store) MarkComplete(downloadID uint64, savePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res := s.db.Model(&Download{}).
		Where("download_id = ?", downloadID).
		Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"save_path":    savePath,
			"completed_at": ts,
			"updated_at":   ts,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: mark complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkError sets status=error and records the error message.
func (s *Store) MarkError(downloadID uint64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Model(&Download{}).
		Where("download_id = ?", downloadID).
		Updates(map[string]interface{}{
			"status":        StatusError,
			"error_message": message,
			"updated_at":    now(),
		})
	if res.Error != nil {
		return fmt.Errorf("storage: mark error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the Download or ErrNotFound.
func (s *Store) Get(downloadID uint64) (Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Download
	err := s.db.Where("download_id = ?", downloadID).First(&d).Error
	if err == gorm.ErrRecordNotFound {
		return Download{}, ErrNotFound
	}
	if err != nil {
		return Download{}, fmt.Errorf("storage: get: %w", err)
	}
	return d, nil
}

// List returns every record, newest (by created_at) first.
func (s *Store) List() ([]Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked("")
}

// ListByStatus returns records with the given status, newest first.
func (s *Store) ListByStatus(status string) ([]Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(status)
}

func (s *Store) listLocked(status string) ([]Download, error) {
	q := s.db.Model(&Download{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []Download
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	// created_at is stored as RFC3339 text; lexicographic order matches
	// chronological order for that format, so a plain string sort suffices
	// and keeps the ordering correct even under sqlite's text collation.
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt > rows[j].CreatedAt })
	return rows, nil
}

// Delete removes the row. Errors if absent.
func (s *Store) Delete(downloadID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Where("download_id = ?", downloadID).Delete(&Download{})
	if res.Error != nil {
		return fmt.Errorf("storage: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementDailyBytes upserts today's DailyStat row, adding bytes.
func (s *Store) IncrementDailyBytes(bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := time.Now().Format("2006-01-02")
	var stat DailyStat
	err := s.db.Where("date = ?", date).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(&DailyStat{Date: date, Bytes: bytes}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&DailyStat{}).Where("date = ?", date).
		Update("bytes", gorm.Expr("bytes + ?", bytes)).Error
}

// IncrementDailyFiles upserts today's DailyStat row, incrementing the file count.
func (s *Store) IncrementDailyFiles() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := time.Now().Format("2006-01-02")
	var stat DailyStat
	err := s.db.Where("date = ?", date).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(&DailyStat{Date: date, Files: 1}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&DailyStat{}).Where("date = ?", date).
		Update("files", gorm.Expr("files + 1")).Error
}

// GetTotalLifetime sums bytes across all DailyStat rows.
func (s *Store) GetTotalLifetime() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// GetTotalFiles sums files across all DailyStat rows.
func (s *Store) GetTotalFiles() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	err := s.db.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// GetDailyHistory returns the most recent `days` DailyStat rows, oldest first.
func (s *Store) GetDailyHistory(days int) ([]DailyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []DailyStat
	err := s.db.Order("date desc").Limit(days).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	return rows, nil
}

// GetString reads a single app setting, "" if unset.
func (s *Store) GetString(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var row AppSetting
	err := s.db.Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetString upserts a single app setting.
func (s *Store) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}
