package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultWindowDuration is how long each metrics bucket accumulates.
	DefaultWindowDuration = time.Minute
	// DefaultNumWindows is how many sealed windows the ring buffer retains.
	DefaultNumWindows = 5
)

// Counter values beyond these ceilings trigger the overflow safety valve.
// They leave enough headroom for summing every retained window without
// wrapping.
const (
	counterCeiling    = math.MaxUint64 / 8
	processingCeiling = time.Duration(math.MaxInt64 / 8)
)

// AggregatorConfig holds configuration for the windowed metrics aggregator.
type AggregatorConfig struct {
	WindowDuration time.Duration
	NumWindows     int
}

// NewAggregatorDefaults provides an AggregatorConfig with the standard
// one-minute window and five-window history.
func NewAggregatorDefaults() AggregatorConfig {
	return AggregatorConfig{
		WindowDuration: DefaultWindowDuration,
		NumWindows:     DefaultNumWindows,
	}
}

// Snapshot is a point-in-time read of the aggregator. Every figure is
// computed over sealed windows only; the in-flight current window is
// excluded so reported values always reflect complete windows.
type Snapshot struct {
	WindowSpanSeconds uint64

	Received  uint64
	Processed uint64
	Dropped   uint64
	Errors    uint64

	Throughput float64

	AvgSize uint64
	MaxSize uint64

	AvgProcessing time.Duration
	MaxProcessing time.Duration

	// LastMessageTime is the zero time when no message has been seen.
	LastMessageTime time.Time

	SealedWindows int
}

// frozenFigures preserves computed rate and latency figures across an
// overflow reset, so observability keeps continuity while raw counts restart.
type frozenFigures struct {
	throughput    float64
	avgSize       uint64
	maxSize       uint64
	avgProcessing time.Duration
	maxProcessing time.Duration
}

// Aggregator accumulates message statistics into fixed-duration windows and
// retains a bounded history of sealed windows in a ring buffer.
//
// Writes happen on the hot ingestion path and are O(1); reads aggregate the
// (at most NumWindows) sealed windows. Both are guarded by a single RWMutex:
// many concurrent readers, cheap exclusive writes.
type Aggregator struct {
	mu sync.RWMutex

	current Window
	sealed  *RingBuffer[Window]

	windowDuration time.Duration
	numWindows     int

	lastMessageTime time.Time
	frozen          *frozenFigures

	logger zerolog.Logger
}

// NewAggregator creates an Aggregator. Zero or negative config fields fall
// back to the defaults.
func NewAggregator(cfg AggregatorConfig, logger zerolog.Logger) *Aggregator {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = DefaultWindowDuration
	}
	if cfg.NumWindows <= 0 {
		cfg.NumWindows = DefaultNumWindows
	}
	return &Aggregator{
		current:        newWindow(time.Now().UTC()),
		sealed:         NewRingBuffer[Window](cfg.NumWindows),
		windowDuration: cfg.WindowDuration,
		numWindows:     cfg.NumWindows,
		logger:         logger.With().Str("component", "MetricsAggregator").Logger(),
	}
}

// RecordReceived notes one inbound message of the given payload size. When
// the timestamp falls outside the current window, the window is sealed into
// the ring buffer (evicting the oldest) and a new one opens at the timestamp.
func (a *Aggregator) RecordReceived(size int, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastMessageTime = ts

	if ts.Sub(a.current.Start) >= a.windowDuration {
		a.sealed.Push(a.current)
		a.current = newWindow(ts)
	}

	a.current.recordReceived(size, ts)
	a.guardOverflowLocked()
}

// RecordProcessed notes one successfully forwarded message and its
// processing duration.
func (a *Aggregator) RecordProcessed(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.recordProcessed(d)
	a.guardOverflowLocked()
}

// RecordDropped notes one message dropped before or during processing.
func (a *Aggregator) RecordDropped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Dropped++
}

// RecordError notes one processing error.
func (a *Aggregator) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Errors++
}

// Reset discards all windows and history and starts accumulating from now.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = newWindow(time.Now().UTC())
	a.sealed = NewRingBuffer[Window](a.numWindows)
	a.lastMessageTime = time.Time{}
	a.frozen = nil
	a.logger.Info().Msg("Metrics have been reset.")
}

// Snapshot returns the aggregate view over sealed windows.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		WindowSpanSeconds: uint64(a.windowDuration.Seconds()) * uint64(a.numWindows),
		SealedWindows:     a.sealed.Len(),
	}

	var totalSize uint64
	var totalProcessing time.Duration
	var first, last Window
	seen := false
	a.sealed.Each(func(w Window) {
		if !seen {
			first = w
			seen = true
		}
		last = w
		snap.Received += w.Received
		snap.Processed += w.Processed
		snap.Dropped += w.Dropped
		snap.Errors += w.Errors
		totalSize += w.TotalSize
		totalProcessing += w.TotalProcessing
		if w.MaxSize > snap.MaxSize {
			snap.MaxSize = w.MaxSize
		}
		if w.MaxProcessing > snap.MaxProcessing {
			snap.MaxProcessing = w.MaxProcessing
		}
	})

	if snap.Received > 0 {
		snap.AvgSize = totalSize / snap.Received
	}
	if snap.Processed > 0 {
		snap.AvgProcessing = totalProcessing / time.Duration(snap.Processed)
	}

	// Throughput needs a wall-clock span across at least two sealed windows.
	if snap.SealedWindows >= 2 {
		span := last.End.Sub(first.Start)
		if span > 0 && snap.Received > 0 {
			snap.Throughput = float64(snap.Received) / span.Seconds()
		}
	}

	if a.sealed.Len() > 0 {
		snap.LastMessageTime = last.End
	} else {
		snap.LastMessageTime = a.lastMessageTime
	}

	// After an overflow reset the raw counters restart at zero; keep serving
	// the figures computed just before the reset until fresh data seals.
	if a.frozen != nil && snap.Received == 0 && snap.Processed == 0 {
		snap.Throughput = a.frozen.throughput
		snap.AvgSize = a.frozen.avgSize
		snap.MaxSize = a.frozen.maxSize
		snap.AvgProcessing = a.frozen.avgProcessing
		snap.MaxProcessing = a.frozen.maxProcessing
	}

	return snap
}

// guardOverflowLocked zeroes every raw counter once any cumulative counter
// nears its range ceiling. Window timestamps and the figures computed at the
// moment of reset are preserved; the raw counts themselves restart, trading
// long-run total accuracy for continuity.
func (a *Aggregator) guardOverflowLocked() {
	if a.current.Received < counterCeiling &&
		a.current.TotalSize < counterCeiling &&
		a.current.TotalProcessing < processingCeiling {
		return
	}

	frozen := a.computeFrozenLocked()
	a.current.resetCounters()
	for i := 0; i < a.sealed.Len(); i++ {
		w, _ := a.sealed.Get(i)
		w.resetCounters()
		a.sealed.Set(i, w)
	}
	a.frozen = &frozen
	a.logger.Warn().Msg("Metrics counter overflow guard triggered; raw counters reset.")
}

func (a *Aggregator) computeFrozenLocked() frozenFigures {
	var f frozenFigures
	var received, processed, totalSize uint64
	var totalProcessing time.Duration
	var first, last Window
	seen := false
	a.sealed.Each(func(w Window) {
		if !seen {
			first = w
			seen = true
		}
		last = w
		received += w.Received
		processed += w.Processed
		totalSize += w.TotalSize
		totalProcessing += w.TotalProcessing
		if w.MaxSize > f.maxSize {
			f.maxSize = w.MaxSize
		}
		if w.MaxProcessing > f.maxProcessing {
			f.maxProcessing = w.MaxProcessing
		}
	})
	// Fold in the current window so the frozen figures reflect the state that
	// actually overflowed, not just sealed history.
	received += a.current.Received
	processed += a.current.Processed
	totalSize += a.current.TotalSize
	totalProcessing += a.current.TotalProcessing
	if a.current.MaxSize > f.maxSize {
		f.maxSize = a.current.MaxSize
	}
	if a.current.MaxProcessing > f.maxProcessing {
		f.maxProcessing = a.current.MaxProcessing
	}

	if received > 0 {
		f.avgSize = totalSize / received
	}
	if processed > 0 {
		f.avgProcessing = totalProcessing / time.Duration(processed)
	}
	if a.sealed.Len() >= 2 {
		span := last.End.Sub(first.Start)
		if span > 0 && received > 0 {
			f.throughput = float64(received) / span.Seconds()
		}
	}
	return f
}
