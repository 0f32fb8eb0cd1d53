package metrics

import "time"

// Window accumulates counters for one fixed-duration bucket of activity.
// A Window is mutated only while it is the aggregator's current window;
// once sealed into the ring buffer it is never written again.
type Window struct {
	// Start is the wall-clock time the window opened.
	Start time.Time
	// End is the wall-clock time of the most recent message recorded in this
	// window. For a sealed window this is final.
	End time.Time

	Received  uint64
	Processed uint64
	Dropped   uint64
	Errors    uint64

	// TotalSize and MaxSize track payload sizes in bytes for averaging and peaks.
	TotalSize uint64
	MaxSize   uint64

	// TotalProcessing and MaxProcessing track per-message processing durations.
	TotalProcessing time.Duration
	MaxProcessing   time.Duration
}

func newWindow(start time.Time) Window {
	return Window{Start: start, End: start}
}

func (w *Window) recordReceived(size int, ts time.Time) {
	w.Received++
	w.TotalSize += uint64(size)
	if uint64(size) > w.MaxSize {
		w.MaxSize = uint64(size)
	}
	w.End = ts
}

func (w *Window) recordProcessed(d time.Duration) {
	w.Processed++
	w.TotalProcessing += d
	if d > w.MaxProcessing {
		w.MaxProcessing = d
	}
}

func (w *Window) resetCounters() {
	w.Received = 0
	w.Processed = 0
	w.Dropped = 0
	w.Errors = 0
	w.TotalSize = 0
	w.MaxSize = 0
	w.TotalProcessing = 0
	w.MaxProcessing = 0
}
