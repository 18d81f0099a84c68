// Package progress implements the Progress Aggregator: it consumes an
// Engine's event stream and turns it into the periodic snapshots an
// observer (the bridge server's SSE stream, ultimately) renders.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"speedy/internal/engine"

	"github.com/VividCortex/ewma"
)

// tickInterval is the snapshot cadence.
const tickInterval = 50 * time.Millisecond

// SegmentSnapshot is one segment's row in an emitted Snapshot.
type SegmentSnapshot struct {
	ID         int     `json:"id"`
	TotalBytes int64   `json:"totalBytes"`
	Downloaded int64   `json:"downloaded"`
	Progress   float64 `json:"progress"`
	Speed      float64 `json:"speed"`
}

// Snapshot is the point-in-time progress object emitted to the observer.
type Snapshot struct {
	DownloadID        uint64            `json:"downloadId"`
	Progress          float64           `json:"progress"`
	FileSize          int64             `json:"fileSize"`
	Completed         int64             `json:"completed"`
	Speed             float64           `json:"speed"`
	EstimatedTimeLeft float64           `json:"estimatedTimeLeft"`
	Segments          []SegmentSnapshot `json:"segments"`
}

// segmentState is the aggregator's working-state row for one segment: a
// running counter plus an EWMA-smoothed speed. The EWMA smooths bursty
// per-chunk samples within a segment; the "replace only if greater" rule
// that guards against visible speed collapse is applied on top of it, not
// instead of it.
type segmentState struct {
	totalBytes int64
	downloaded int64
	speedEWMA  ewma.MovingAverage
	lastSpeed  float64
}

// Aggregator maintains per-segment and aggregate progress counters for one
// download, with the high-water filter that makes the emitted stream
// strictly nondecreasing in every quantity field even though workers race
// the ticker.
type Aggregator struct {
	downloadID uint64

	mu        sync.Mutex
	fileSize  int64
	segments  map[int]*segmentState
	order     []int
	total     int64 // aggregate downloaded
	startedAt time.Time
	complete  bool

	hwMu            sync.Mutex
	hwAggDownloaded int64
	hwAggProgress   float64
	hwSegDownloaded map[int]int64
}

// New returns an Aggregator for one download. startedAt is recorded lazily
// on the first Initialize event so average-speed math is anchored to the
// moment the engine actually began, not to Aggregator construction.
func New(downloadID uint64) *Aggregator {
	return &Aggregator{
		downloadID:      downloadID,
		segments:        make(map[int]*segmentState),
		hwSegDownloaded: make(map[int]int64),
	}
}

// Run drains events until the channel closes and the completion condition
// is satisfied, emitting a Snapshot on the returned channel every tick.
// The returned channel is closed when Run returns: after a Complete event
// has been observed and a high-water-filtered 100.0 frame has been sent —
// guaranteeing the caller sees a final 100% frame; when events closes
// without a Complete (one last partial frame is sent); or when ctx is
// cancelled (e.g. the download errored before ever completing).
func (a *Aggregator) Run(ctx context.Context, events <-chan engine.Event) <-chan Snapshot {
	out := make(chan Snapshot, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		lastProgress := 0.0
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// The engine stopped emitting. Emit one last snapshot
					// reflecting whatever was reported and stop: after a
					// Complete this is the final 100% frame; without one
					// (a probe/merge failure with no usable parts) the
					// stream ends without a 100% frame.
					out <- a.applyHighWater(a.snapshot())
					return
				}
				a.handle(ev)
			case <-ticker.C:
				snap := a.snapshot()
				snap = a.applyHighWater(snap)
				out <- snap
				lastProgress = snap.Progress
				if a.isComplete() && lastProgress >= 100.0 {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (a *Aggregator) handle(ev engine.Event) {
	switch ev.Kind {
	case engine.EventInitialize:
		a.mu.Lock()
		a.fileSize = ev.FileSize
		a.startedAt = time.Now()
		a.order = a.order[:0]
		for _, seg := range ev.Segments {
			a.segments[seg.SegmentID] = &segmentState{
				totalBytes: seg.TotalBytes,
				downloaded: seg.AlreadyHave,
				speedEWMA:  ewma.NewMovingAverage(),
			}
			a.order = append(a.order, seg.SegmentID)
			a.total += seg.AlreadyHave
		}
		sort.Ints(a.order)
		a.mu.Unlock()

		a.hwMu.Lock()
		for _, seg := range ev.Segments {
			a.hwSegDownloaded[seg.SegmentID] = seg.AlreadyHave
		}
		a.hwAggDownloaded = a.total
		a.hwMu.Unlock()

	case engine.EventBytesReceived:
		a.mu.Lock()
		seg, ok := a.segments[ev.SegmentID]
		if !ok {
			a.mu.Unlock()
			return
		}
		remaining := seg.totalBytes - seg.downloaded
		delta := ev.Delta
		if delta > remaining {
			delta = remaining
		}
		if delta > 0 {
			seg.downloaded += delta
			a.total += delta
		}
		if ev.Speed > 0 {
			seg.speedEWMA.Add(ev.Speed)
			smoothed := seg.speedEWMA.Value()
			if smoothed > seg.lastSpeed {
				seg.lastSpeed = smoothed
			}
		}
		a.mu.Unlock()

	case engine.EventComplete:
		a.mu.Lock()
		a.complete = true
		a.mu.Unlock()
	}
}

func (a *Aggregator) isComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete
}

// snapshot builds the raw (pre-high-water) reading from working state.
func (a *Aggregator) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	segs := make([]SegmentSnapshot, 0, len(a.order))
	for _, id := range a.order {
		s := a.segments[id]
		pct := 0.0
		if s.totalBytes > 0 {
			pct = 100 * float64(s.downloaded) / float64(s.totalBytes)
		}
		segs = append(segs, SegmentSnapshot{
			ID:         id,
			TotalBytes: s.totalBytes,
			Downloaded: s.downloaded,
			Progress:   pct,
			Speed:      s.lastSpeed,
		})
	}

	progressPct := 0.0
	if a.complete {
		progressPct = 100.0
	} else if a.fileSize > 0 {
		progressPct = 100 * float64(a.total) / float64(a.fileSize)
	}

	elapsed := time.Since(a.startedAt).Seconds()
	avgSpeed := 0.0
	if elapsed > 0 {
		avgSpeed = float64(a.total) / elapsed
	}
	eta := 0.0
	if avgSpeed > 0 {
		eta = float64(a.fileSize-a.total) / avgSpeed
		if eta < 0 {
			eta = 0
		}
	}

	return Snapshot{
		DownloadID:        a.downloadID,
		Progress:          progressPct,
		FileSize:          a.fileSize,
		Completed:         a.total,
		Speed:             avgSpeed,
		EstimatedTimeLeft: eta,
		Segments:          segs,
	}
}

// applyHighWater vetoes any field that fell below its previously reported
// maximum, the sole defence against non-monotonicity introduced by
// parallel writers racing the ticker.
func (a *Aggregator) applyHighWater(snap Snapshot) Snapshot {
	a.hwMu.Lock()
	defer a.hwMu.Unlock()

	if snap.Completed > a.hwAggDownloaded {
		a.hwAggDownloaded = snap.Completed
	} else {
		snap.Completed = a.hwAggDownloaded
	}

	if snap.Progress > a.hwAggProgress {
		a.hwAggProgress = snap.Progress
	} else {
		snap.Progress = a.hwAggProgress
	}

	for i, seg := range snap.Segments {
		hw := a.hwSegDownloaded[seg.ID]
		if seg.Downloaded > hw {
			a.hwSegDownloaded[seg.ID] = seg.Downloaded
		} else {
			seg.Downloaded = hw
			if seg.TotalBytes > 0 {
				seg.Progress = 100 * float64(seg.Downloaded) / float64(seg.TotalBytes)
			}
		}
		snap.Segments[i] = seg
	}

	return snap
}
