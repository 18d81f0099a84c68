package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"speedy/internal/analytics"
	"speedy/internal/config"
	"speedy/internal/engine"
	"speedy/internal/filesystem"
	"speedy/internal/progress"
	"speedy/internal/storage"
)

// Observer receives every Snapshot emitted for one download for as long as
// it is active.
type Observer func(progress.Snapshot)

// Coordinator owns the map of in-flight Engines — no two Engines ever
// operate on the same download id concurrently — enforces config.Manager's
// global concurrency ceiling and HostScheduler's per-host limits, and
// dispatches queued downloads as slots free up.
type Coordinator struct {
	store        *storage.Store
	cfg          *config.Manager
	tracker      *analytics.Tracker
	logger       *slog.Logger
	client       *http.Client
	downloadsDir string

	queue *DownloadQueue
	hosts *HostScheduler
	ids   *idGenerator

	mu     sync.Mutex
	active map[uint64]*activeEntry

	obsMu     sync.Mutex
	observers map[uint64]Observer
}

type activeEntry struct {
	cancel context.CancelFunc
	speed  float64
}

// New builds a Coordinator. downloadsDir is resolved once at startup
// (falls back to CWD elsewhere, per filesystem.DefaultDownloadsDir) and
// handed unchanged to every Engine it dispatches.
func New(store *storage.Store, cfg *config.Manager, tracker *analytics.Tracker, logger *slog.Logger, downloadsDir string) *Coordinator {
	return &Coordinator{
		store:        store,
		cfg:          cfg,
		tracker:      tracker,
		logger:       logger,
		client:       engine.NewHTTPClient(),
		downloadsDir: downloadsDir,
		queue:        NewDownloadQueue(),
		hosts:        NewHostScheduler(),
		ids:          newIDGenerator(),
		active:       make(map[uint64]*activeEntry),
		observers:    make(map[uint64]Observer),
	}
}

// SetHostLimit caps concurrent downloads against host.
func (c *Coordinator) SetHostLimit(host string, limit int) {
	c.hosts.SetHostLimit(host, limit)
}

// Start creates a new Download record (assigning an id from the fallback
// generator when downloadID is 0) and dispatches it immediately if a slot
// is free, or queues it otherwise. name overrides the filename derived
// from rawURL when non-empty.
func (c *Coordinator) Start(downloadID uint64, rawURL, name string, parts int, observer Observer) (uint64, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return 0, fmt.Errorf("queue: url must be absolute http(s): %q", rawURL)
	}
	if parts < 1 {
		parts = 1
	}
	if parts > 32 {
		parts = 32
	}
	if downloadID == 0 {
		downloadID = c.ids.Next()
	}

	filename := name
	if filename == "" {
		filename = filesystem.FilenameFromURL(rawURL)
	}
	rec := storage.Download{
		DownloadID: downloadID,
		URL:        rawURL,
		Filename:   filename,
		Parts:      parts,
		Status:     storage.StatusQueued,
	}
	if err := c.store.Insert(rec); err != nil {
		return 0, err
	}

	if observer != nil {
		c.setObserver(downloadID, observer)
	}
	c.dispatchOrQueue(downloadID, rawURL, parts)
	return downloadID, nil
}

// Resume looks up an existing record, flips its status to downloading, and
// re-invokes the same dispatch path Start uses — the fresh Engine's resume
// scan picks up whatever part files survive from the prior attempt.
func (c *Coordinator) Resume(downloadID uint64, observer Observer) error {
	rec, err := c.store.Get(downloadID)
	if err != nil {
		return err
	}
	if err := c.store.UpdateStatus(downloadID, storage.StatusDownloading); err != nil {
		return err
	}
	if observer != nil {
		c.setObserver(downloadID, observer)
	}
	c.dispatchOrQueue(downloadID, rec.URL, rec.Parts)
	return nil
}

// Pause marks the record paused and, if an Engine is actively running it,
// cancels its context so in-flight workers stop early instead of running
// to natural completion. Part files stay on disk for the next resume scan.
func (c *Coordinator) Pause(downloadID uint64) error {
	c.mu.Lock()
	entry, isActive := c.active[downloadID]
	c.mu.Unlock()

	if err := c.store.UpdateStatus(downloadID, storage.StatusPaused); err != nil {
		return err
	}
	if isActive {
		entry.cancel()
	} else {
		c.queue.Remove(downloadID)
	}
	return nil
}

// Get returns one Download record.
func (c *Coordinator) Get(downloadID uint64) (storage.Download, error) {
	return c.store.Get(downloadID)
}

// List returns every record, newest first.
func (c *Coordinator) List() ([]storage.Download, error) {
	return c.store.List()
}

// ListByStatus returns matching records, newest first.
func (c *Coordinator) ListByStatus(status string) ([]storage.Download, error) {
	return c.store.ListByStatus(status)
}

// Delete removes the record, optionally deleting the merged artifact
// first. If the file delete fails, the DB delete is aborted so the record
// remains available for a retry.
func (c *Coordinator) Delete(downloadID uint64, alsoDeleteFile bool) error {
	rec, err := c.store.Get(downloadID)
	if err != nil {
		return err
	}
	if alsoDeleteFile && rec.SavePath != "" {
		if err := os.Remove(rec.SavePath); err != nil {
			return fmt.Errorf("queue: delete file: %w", err)
		}
	}
	return c.store.Delete(downloadID)
}

func (c *Coordinator) setObserver(downloadID uint64, obs Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers[downloadID] = obs
}

func (c *Coordinator) observer(downloadID uint64) Observer {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return c.observers[downloadID]
}

func (c *Coordinator) clearObserver(downloadID uint64) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, downloadID)
}

func (c *Coordinator) dispatchOrQueue(downloadID uint64, rawURL string, parts int) {
	c.mu.Lock()
	activeCount := len(c.active)
	_, running := c.active[downloadID]
	c.mu.Unlock()

	// An Engine still winding down for this id (e.g. just paused) keeps the
	// request queued until its finish drains the queue.
	if !running && activeCount < c.cfg.MaxConcurrent() && c.hosts.CanStart(rawURL) {
		c.dispatch(downloadID, rawURL, parts)
		return
	}
	c.queue.Push(Request{DownloadID: downloadID, URL: rawURL, Parts: parts, QueueOrder: c.queue.NextOrder()})
}

func (c *Coordinator) dispatch(downloadID uint64, rawURL string, parts int) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.active[downloadID] = &activeEntry{cancel: cancel}
	c.mu.Unlock()
	c.hosts.OnStarted(rawURL)

	eng, err := engine.New(downloadID, rawURL, parts, c.downloadsDir, c.client, c.logger)
	if err != nil {
		_ = c.store.MarkError(downloadID, err.Error())
		cancel()
		c.finish(downloadID, rawURL)
		return
	}

	agg := progress.New(downloadID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		engine.RunLifecycle(c.logger, c.store, c.tracker, eng.Lifecycle())
	}()
	go func() {
		defer wg.Done()
		for snap := range agg.Run(ctx, eng.Progress()) {
			c.recordSpeed(downloadID, snap.Speed)
			if obs := c.observer(downloadID); obs != nil {
				obs(snap)
			}
		}
	}()

	go func() {
		_, runErr := eng.Run(ctx)
		wg.Wait()
		cancel()

		if runErr != nil {
			cur, getErr := c.store.Get(downloadID)
			if getErr == nil && cur.Status != storage.StatusPaused {
				_ = c.store.MarkError(downloadID, runErr.Error())
			}
			c.logger.Error("download failed", "download_id", downloadID, "error", runErr)
		}
		c.clearObserver(downloadID)
		c.finish(downloadID, rawURL)
	}()
}

func (c *Coordinator) finish(downloadID uint64, rawURL string) {
	c.mu.Lock()
	delete(c.active, downloadID)
	c.mu.Unlock()
	c.hosts.OnFinished(rawURL)
	c.updateTrackerSpeed()
	c.drainQueue()
}

// recordSpeed stores the latest reported speed for one active download and
// feeds the sum across every active download to the analytics Tracker, the
// aggregate figure the bridge's /v1/analytics route reports back.
func (c *Coordinator) recordSpeed(downloadID uint64, speed float64) {
	c.mu.Lock()
	if entry, ok := c.active[downloadID]; ok {
		entry.speed = speed
	}
	c.mu.Unlock()
	c.updateTrackerSpeed()
}

func (c *Coordinator) updateTrackerSpeed() {
	if c.tracker == nil {
		return
	}
	c.mu.Lock()
	var total float64
	for _, entry := range c.active {
		total += entry.speed
	}
	c.mu.Unlock()
	c.tracker.UpdateSpeed(int64(total))
}

// drainQueue dispatches as many queued requests as current concurrency and
// host limits allow, stopping as soon as neither a global slot nor an
// eligible host-unblocked candidate remains.
func (c *Coordinator) drainQueue() {
	for {
		c.mu.Lock()
		activeCount := len(c.active)
		c.mu.Unlock()
		if activeCount >= c.cfg.MaxConcurrent() {
			return
		}

		dispatched := false
		for _, req := range c.queue.Snapshot() {
			c.mu.Lock()
			_, running := c.active[req.DownloadID]
			c.mu.Unlock()
			if running || !c.hosts.CanStart(req.URL) {
				continue
			}
			if c.queue.Remove(req.DownloadID) {
				c.dispatch(req.DownloadID, req.URL, req.Parts)
				dispatched = true
				break
			}
		}
		if !dispatched {
			return
		}
	}
}

// idGenerator hands out fallback download ids: a monotonic counter seeded
// from the current Unix second, so two starts within the same second still
// get distinct ids while the value stays a u64 on the wire.
type idGenerator struct {
	mu   sync.Mutex
	last uint64
}

func newIDGenerator() *idGenerator {
	return &idGenerator{}
}

func (g *idGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := uint64(time.Now().Unix())
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	return now
}
