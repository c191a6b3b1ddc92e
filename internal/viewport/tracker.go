// Package viewport turns continuous pan/zoom gestures into discrete
// viewport-changed events.
package viewport

import (
	"sync"
	"time"

	"github.com/bep/debounce"

	"meetings-map/internal/geo"
)

// DefaultDebounce is the trailing debounce window for move/zoom events
const DefaultDebounce = 300 * time.Millisecond

// Tracker debounces viewport updates. The first published viewport is
// emitted immediately so the initial paint has data; every later update is
// emitted only after the debounce window has passed without another update.
type Tracker struct {
	mu        sync.Mutex
	debounced func(func())
	onChange  func(geo.Viewport)
	latest    geo.Viewport
	hasLatest bool
	emitted   bool
	closed    bool
}

// NewTracker creates a tracker that invokes onChange with the settled
// viewport. interval falls back to DefaultDebounce when non-positive.
func NewTracker(interval time.Duration, onChange func(geo.Viewport)) *Tracker {
	if interval <= 0 {
		interval = DefaultDebounce
	}
	return &Tracker{
		debounced: debounce.New(interval),
		onChange:  onChange,
	}
}

// Publish records a viewport update. A new update within the debounce
// window restarts the timer (classic trailing debounce).
func (t *Tracker) Publish(vp geo.Viewport) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.latest = vp
	t.hasLatest = true

	// First event bypasses the debounce entirely
	if !t.emitted {
		t.emitted = true
		t.mu.Unlock()
		t.onChange(vp)
		return
	}
	t.mu.Unlock()

	t.debounced(t.emit)
}

// emit delivers the most recent viewport, unless the tracker was closed
// while the timer was pending
func (t *Tracker) emit() {
	t.mu.Lock()
	if t.closed || !t.hasLatest {
		t.mu.Unlock()
		return
	}
	vp := t.latest
	t.mu.Unlock()

	t.onChange(vp)
}

// Latest returns the most recently published viewport
func (t *Tracker) Latest() (geo.Viewport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.hasLatest
}

// Close suppresses any pending or future emissions. The underlying timer
// may still fire; the callback is dropped here instead.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
