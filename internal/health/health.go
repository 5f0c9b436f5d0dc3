// Package health tracks per-provider request outcomes in a bounded window
// and derives an error rate for routing decisions. State is process-local
// by design; replicas may diverge.
package health

import "sync"

// Default window parameters.
const (
	DefaultWindowSize = 50
	DefaultMinSamples = 5
)

// ring is a bounded FIFO of the most recent outcome booleans.
type ring struct {
	buf      []bool
	head     int // next write position
	size     int // number of valid entries
	failures int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]bool, capacity)}
}

// push appends an outcome, evicting the oldest when full.
func (r *ring) push(success bool) {
	if r.size == len(r.buf) {
		// Evict the entry being overwritten.
		if !r.buf[r.head] {
			r.failures--
		}
	} else {
		r.size++
	}
	r.buf[r.head] = success
	if !success {
		r.failures++
	}
	r.head = (r.head + 1) % len(r.buf)
}

// Tracker records per-provider outcomes and reports windowed error rates.
// Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	windows    map[string]*ring
	windowSize int
	minSamples int
}

// NewTracker creates a Tracker with the given window size and sample floor.
// Non-positive arguments fall back to the defaults.
func NewTracker(windowSize, minSamples int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Tracker{
		windows:    make(map[string]*ring),
		windowSize: windowSize,
		minSamples: minSamples,
	}
}

// Record appends an outcome for the provider.
func (t *Tracker) Record(provider string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[provider]
	if !ok {
		w = newRing(t.windowSize)
		t.windows[provider] = w
	}
	w.push(success)
}

// ErrorRate returns failures/observations over the window, or 0 until
// min_samples observations exist.
func (t *Tracker) ErrorRate(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[provider]
	if !ok || w.size < t.minSamples {
		return 0
	}
	return float64(w.failures) / float64(w.size)
}

// Samples returns the number of recorded outcomes in the provider's window.
func (t *Tracker) Samples(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[provider]
	if !ok {
		return 0
	}
	return w.size
}

// Reset clears all provider windows.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.windows = make(map[string]*ring)
	t.mu.Unlock()
}
