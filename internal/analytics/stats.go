// Package analytics tracks lifetime and daily download statistics plus disk
// usage for the downloads volume, on top of the persistence store's
// DailyStat rows.
package analytics

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"speedy/internal/storage"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"
)

// DiskUsageInfo holds disk space information for the downloads volume.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot is the aggregate analytics payload returned to the bridge.
type Snapshot struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	CurrentSpeed    int64            `json:"current_speed"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
}

// Tracker records completed-download stats and reports disk usage.
type Tracker struct {
	store          *storage.Store
	currentSpeed   int64 // atomic, aggregate bytes/sec across active downloads
	downloadsDirFn func() string

	diskSometimes rate.Sometimes
	diskMu        sync.Mutex
	diskCached    DiskUsageInfo
}

// NewTracker builds a Tracker backed by store; downloadsDirFn resolves the
// volume whose free space DiskUsage reports.
func NewTracker(store *storage.Store, downloadsDirFn func() string) *Tracker {
	return &Tracker{
		store:          store,
		downloadsDirFn: downloadsDirFn,
		diskSometimes:  rate.Sometimes{Interval: 2 * time.Second},
	}
}

// UpdateSpeed records the current aggregate download speed.
func (t *Tracker) UpdateSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&t.currentSpeed, bytesPerSec)
}

// CurrentSpeed returns the last recorded aggregate speed.
func (t *Tracker) CurrentSpeed() int64 {
	return atomic.LoadInt64(&t.currentSpeed)
}

// TrackBytes increments today's byte count. Fire-and-forget: a persistence
// failure here must not block or fail the download that produced the bytes.
func (t *Tracker) TrackBytes(bytes int64) {
	go func() {
		_ = t.store.IncrementDailyBytes(bytes)
	}()
}

// TrackFileCompleted increments today's completed-file count.
func (t *Tracker) TrackFileCompleted() {
	go func() {
		_ = t.store.IncrementDailyFiles()
	}()
}

// LifetimeBytes sums bytes across every recorded day.
func (t *Tracker) LifetimeBytes() (int64, error) {
	return t.store.GetTotalLifetime()
}

// TotalFiles sums completed files across every recorded day.
func (t *Tracker) TotalFiles() (int64, error) {
	return t.store.GetTotalFiles()
}

// DailyHistory returns the last `days` days keyed by date, bytes downloaded.
func (t *Tracker) DailyHistory(days int) (map[string]int64, error) {
	rows, err := t.store.GetDailyHistory(days)
	if err != nil {
		return map[string]int64{}, err
	}
	res := make(map[string]int64, len(rows))
	for _, row := range rows {
		res[row.Date] = row.Bytes
	}
	return res, nil
}

// DiskUsage reports free/used/total space for the downloads volume. The
// underlying syscall is real work, and the bridge's analytics endpoint can
// be polled far more often than disk space actually moves, so
// rate.Sometimes caps the real lookup to once per interval and serves the
// cached figure otherwise.
func (t *Tracker) DiskUsage() DiskUsageInfo {
	if t.downloadsDirFn == nil {
		return DiskUsageInfo{}
	}

	t.diskSometimes.Do(func() {
		dir := t.downloadsDirFn()

		volumePath := filepath.VolumeName(dir)
		if volumePath == "" {
			volumePath = dir
		} else {
			volumePath += string(filepath.Separator)
		}

		usage, err := disk.Usage(volumePath)
		if err != nil {
			return
		}

		const bytesPerGB = 1024 * 1024 * 1024
		t.diskMu.Lock()
		t.diskCached = DiskUsageInfo{
			UsedGB:  float64(usage.Used) / bytesPerGB,
			FreeGB:  float64(usage.Free) / bytesPerGB,
			TotalGB: float64(usage.Total) / bytesPerGB,
			Percent: usage.UsedPercent,
		}
		t.diskMu.Unlock()
	})

	t.diskMu.Lock()
	defer t.diskMu.Unlock()
	return t.diskCached
}

// Snapshot gathers lifetime, daily, and disk-usage figures into one payload.
func (t *Tracker) Snapshot() Snapshot {
	lifetime, _ := t.LifetimeBytes()
	totalFiles, _ := t.TotalFiles()
	daily, _ := t.DailyHistory(7)

	return Snapshot{
		TotalDownloaded: lifetime,
		TotalFiles:      totalFiles,
		CurrentSpeed:    t.CurrentSpeed(),
		DailyHistory:    daily,
		DiskUsage:       t.DiskUsage(),
	}
}
