package engine

// EventKind tags the variant of an Event traveling the engine's event
// channel. Workers produce BytesReceived and SegmentError events, and
// Engine.Run itself produces Initialize and Complete; the engine fans each event out
// to every registered consumer (the lifecycle task and the progress
// aggregator) so neither loses a signal the other needs.
type EventKind int

const (
	EventInitialize EventKind = iota
	EventBytesReceived
	EventSegmentError
	EventComplete
)

// SegmentSpec describes one planned byte range, computed once at plan time
// and carried on the Initialize event so consumers can size their
// per-segment state before the first BytesReceived arrives.
type SegmentSpec struct {
	SegmentID   int // 1-based, human facing
	Start       int64
	End         int64 // inclusive
	TotalBytes  int64
	AlreadyHave int64
}

// Event is the single wire type flowing from Workers through the Engine to
// its consumers. Only the fields relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	DownloadID uint64

	// EventInitialize
	FileSize int64
	Segments []SegmentSpec

	// EventBytesReceived / EventSegmentError
	SegmentID int
	Delta     int64   // BytesReceived: bytes added since the last emission, not a running total
	Speed     float64 // BytesReceived: bytes/sec measured by the worker

	// EventSegmentError
	Message string

	// EventComplete
	SavePath string
}

// Broadcaster fans every event sent to In out to each registered consumer
// channel. One goroutine owns the fan-out loop; consumers never touch In
// directly, which keeps the channel single-producer-per-segment and
// multi-consumer via this explicit forwarding step (see design notes on
// event fan-out).
type Broadcaster struct {
	In        chan Event
	consumers []chan Event
}

// NewBroadcaster returns a Broadcaster with an inbound buffer sized for
// bursty segment emission and one output channel per consumer.
func NewBroadcaster(numConsumers int) *Broadcaster {
	b := &Broadcaster{
		In:        make(chan Event, 256),
		consumers: make([]chan Event, numConsumers),
	}
	for i := range b.consumers {
		b.consumers[i] = make(chan Event, 256)
	}
	return b
}

// Consumer returns the i-th consumer's read-only channel.
func (b *Broadcaster) Consumer(i int) <-chan Event {
	return b.consumers[i]
}

// Run drains In until it is closed, forwarding every event to every
// consumer, then closes each consumer channel. Intended to run in its own
// goroutine for the lifetime of one download.
func (b *Broadcaster) Run() {
	for ev := range b.In {
		for _, c := range b.consumers {
			c <- ev
		}
	}
	for _, c := range b.consumers {
		close(c)
	}
}
