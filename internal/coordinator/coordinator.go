// Package coordinator decides what the map needs to load for a viewport and
// shields the backend from request churn. It maintains two logical streams:
// a state stream keyed only by the filter signature, and a zoom-dependent
// stream keyed by viewport and mode. Each stream deduplicates identical
// frames, cancels superseded in-flight requests, and writes results through
// to the cache store.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"meetings-map/internal/api"
	"meetings-map/internal/cache"
	"meetings-map/internal/geo"
	"meetings-map/internal/lod"
	"meetings-map/internal/meetings"
)

// DefaultIndividualCap bounds individual-mode responses
const DefaultIndividualCap = 200

// keyUnset is the sentinel for a stream that has not issued anything yet.
// A forced refresh resets streams back to it to bypass dedup.
const keyUnset = ""

// Backend is the transport the coordinator fetches through
type Backend interface {
	FetchStateAggregates(ctx context.Context, filters meetings.FilterSet) (*meetings.StateAggregateResult, error)
	FetchHeatmap(ctx context.Context, vp geo.Viewport, filters meetings.FilterSet, mode lod.Mode, individualCap int) (*meetings.MapDataResult, error)
}

// Callbacks receive coordinator results. All callbacks are optional. Result
// callbacks are serialized per coordinator and must not call back into it.
type Callbacks struct {
	// OnData delivers a zoom-dependent payload. fromCache is true when the
	// payload was served from the cache store without a network call.
	OnData func(result *meetings.MapDataResult, fromCache bool)

	// OnStateData delivers a by-state summary payload
	OnStateData func(result *meetings.StateAggregateResult)

	// OnLoading reports whether a foreground fetch is outstanding
	OnLoading func(isLoading bool)

	// OnFetchError reports a non-abort fetch failure after it was logged
	OnFetchError func(stream string, err error)
}

// stream holds the per-stream dedup and cancellation state. It is an
// explicit struct owned by the coordinator, so completion handlers compare
// generations instead of relying on callback identity.
type stream struct {
	lastKey    string
	generation uint64
	cancel     context.CancelFunc
}

// invalidate cancels any in-flight request on the stream and advances the
// generation, so a late resolution of the old request is discarded. Every
// cycle that makes a prior request obsolete goes through here, including
// ones that never issue a new request.
func (s *stream) invalidate() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
}

// supersede invalidates the stream and opens a fresh request context.
// Returns the new generation and context.
func (s *stream) supersede() (uint64, context.Context, context.CancelFunc) {
	s.invalidate()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return s.generation, ctx, cancel
}

// Coordinator builds, deduplicates, and cancels backend requests for one map
type Coordinator struct {
	mu            sync.Mutex
	backend       Backend
	store         *cache.Store
	thresholds    lod.Thresholds
	individualCap int
	cb            Callbacks

	state stream // by-state summaries, viewport-independent
	zoom  stream // zoom-dependent heatmap payloads

	foreground int // count of outstanding foreground fetches
}

// New creates a coordinator. individualCap falls back to the default when
// non-positive.
func New(backend Backend, store *cache.Store, thresholds lod.Thresholds, individualCap int) *Coordinator {
	if individualCap <= 0 {
		individualCap = DefaultIndividualCap
	}
	return &Coordinator{
		backend:       backend,
		store:         store,
		thresholds:    thresholds,
		individualCap: individualCap,
	}
}

// SetCallbacks sets the result callbacks
func (c *Coordinator) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// HandleViewportChange runs one load cycle for a settled viewport
func (c *Coordinator) HandleViewportChange(vp geo.Viewport, filters meetings.FilterSet) {
	c.run(vp, filters, false)
}

// ForceRefresh re-runs both streams after a filter change. Dedup signatures
// are reset to the unset sentinel so the new filter set always issues, but
// the cache check still applies: a fresh entry for the new filter key is
// honored.
func (c *Coordinator) ForceRefresh(vp geo.Viewport, filters meetings.FilterSet) {
	c.mu.Lock()
	c.state.lastKey = keyUnset
	c.zoom.lastKey = keyUnset
	c.mu.Unlock()

	c.run(vp, filters, true)
}

func (c *Coordinator) run(vp geo.Viewport, filters meetings.FilterSet, forced bool) {
	mode := lod.SelectMode(vp.Zoom, c.thresholds)

	// The state stream is viewport-independent: one fetch per distinct
	// filter signature serves every zoom level below the state threshold.
	c.runStateStream(filters, forced)

	// Below the state threshold the zoom-dependent stream is skipped
	// entirely; only state summaries are relevant. An in-flight zoom
	// request is for a resolution nobody wants anymore, so cancel it, and
	// reset dedup so zooming back in always re-issues.
	if mode == lod.ModeStateAggregate {
		c.mu.Lock()
		c.zoom.invalidate()
		c.zoom.lastKey = keyUnset
		c.mu.Unlock()
		return
	}

	c.runZoomStream(vp, filters, mode, forced)
}

// runStateStream loads by-state summaries, deduplicated by filter signature
func (c *Coordinator) runStateStream(filters meetings.FilterSet, forced bool) {
	dedupKey := "states|" + filters.Signature()

	c.mu.Lock()
	if !forced && c.state.lastKey == dedupKey {
		c.mu.Unlock()
		return
	}
	c.state.lastKey = dedupKey

	cacheKey := cache.StateKey(filters)
	hit, ok := c.store.Get(cacheKey)
	if ok {
		cached, valid := hit.Data.(*meetings.StateAggregateResult)
		if valid {
			if !hit.IsStale {
				// Fresh hit short-circuits, but an in-flight request for a
				// previous filter set must not land on top of this payload
				c.state.invalidate()
				c.deliverStateDataLocked(cached)
				c.mu.Unlock()
				return
			}
			// Stale: serve the cached summary now, refresh in background
			gen, ctx, _ := c.state.supersede()
			c.deliverStateDataLocked(cached)
			c.mu.Unlock()
			go c.fetchStateAggregates(ctx, gen, cacheKey, filters, true)
			return
		}
	}

	gen, ctx, _ := c.state.supersede()
	notify := c.beginForegroundLocked()
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	go c.fetchStateAggregates(ctx, gen, cacheKey, filters, false)
}

// runZoomStream loads the zoom-dependent payload for the viewport
func (c *Coordinator) runZoomStream(vp geo.Viewport, filters meetings.FilterSet, mode lod.Mode, forced bool) {
	dedupKey := zoomDedupKey(vp, filters, mode)

	c.mu.Lock()
	// Near-identical frames during a drag gesture are suppressed before
	// the cache is even consulted.
	if !forced && c.zoom.lastKey == dedupKey {
		c.mu.Unlock()
		return
	}
	c.zoom.lastKey = dedupKey

	cacheKey := c.store.Key(vp.Zoom, vp.Bounds, filters)
	hit, ok := c.store.Get(cacheKey)
	if ok {
		cached, valid := hit.Data.(*meetings.MapDataResult)
		if valid {
			if !hit.IsStale {
				// Fresh hit short-circuits: no network call at all. Cancel
				// any in-flight request for a previous viewport so its late
				// resolution cannot overwrite this payload.
				c.zoom.invalidate()
				c.deliverDataLocked(cached, true)
				c.mu.Unlock()
				return
			}
			gen, ctx, _ := c.zoom.supersede()
			c.deliverDataLocked(cached, true)
			c.mu.Unlock()
			go c.fetchHeatmap(ctx, gen, cacheKey, vp, filters, mode, true)
			return
		}
	}

	gen, ctx, _ := c.zoom.supersede()
	notify := c.beginForegroundLocked()
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	go c.fetchHeatmap(ctx, gen, cacheKey, vp, filters, mode, false)
}

// fetchStateAggregates performs one state-stream request and applies the
// result unless the request was superseded in the meantime
func (c *Coordinator) fetchStateAggregates(ctx context.Context, gen uint64, cacheKey string, filters meetings.FilterSet, background bool) {
	result, err := c.backend.FetchStateAggregates(ctx, filters)

	c.mu.Lock()
	var notify func()
	if !background {
		notify = c.endForegroundLocked()
	}
	if gen != c.state.generation {
		// A newer request owns this stream; discard whatever we got
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}
	if err != nil {
		errCb := c.cb.OnFetchError
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		c.reportError("state", err, errCb)
		return
	}

	// Delivery stays inside the generation check's critical section so a
	// concurrent supersession cannot interleave its own delivery first
	c.store.Set(cacheKey, result)
	c.deliverStateDataLocked(result)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// fetchHeatmap performs one zoom-stream request and applies the result
// unless the request was superseded in the meantime
func (c *Coordinator) fetchHeatmap(ctx context.Context, gen uint64, cacheKey string, vp geo.Viewport, filters meetings.FilterSet, mode lod.Mode, background bool) {
	result, err := c.backend.FetchHeatmap(ctx, vp, filters, mode, c.individualCap)

	c.mu.Lock()
	var notify func()
	if !background {
		notify = c.endForegroundLocked()
	}
	if gen != c.zoom.generation {
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}
	if err != nil {
		errCb := c.cb.OnFetchError
		c.mu.Unlock()
		if notify != nil {
			notify()
		}
		c.reportError("zoom", err, errCb)
		return
	}

	c.store.Set(cacheKey, result)
	c.deliverDataLocked(result, false)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// deliverDataLocked invokes OnData. Caller holds mu; keeping the delivery
// inside the same critical section as the generation check means deliveries
// are totally ordered and a superseded result can never land after the
// payload that replaced it.
func (c *Coordinator) deliverDataLocked(result *meetings.MapDataResult, fromCache bool) {
	if c.cb.OnData != nil {
		c.cb.OnData(result, fromCache)
	}
}

// deliverStateDataLocked invokes OnStateData. Caller holds mu.
func (c *Coordinator) deliverStateDataLocked(result *meetings.StateAggregateResult) {
	if c.cb.OnStateData != nil {
		c.cb.OnStateData(result)
	}
}

// reportError handles a fetch failure. Aborts are normal control flow and
// stay silent. Other failures are logged and reported, but never clear
// displayed data; there is no retry. The next viewport or filter change
// re-attempts naturally.
func (c *Coordinator) reportError(streamName string, err error, errCb func(string, error)) {
	if api.IsAbort(err) {
		return
	}
	log.Printf("[Coordinator] %s stream fetch failed: %v", streamName, err)
	if errCb != nil {
		errCb(streamName, err)
	}
}

// beginForegroundLocked marks a foreground fetch as started. Caller holds
// mu and must invoke the returned notifier, if any, after unlocking.
func (c *Coordinator) beginForegroundLocked() func() {
	c.foreground++
	if c.foreground == 1 && c.cb.OnLoading != nil {
		cb := c.cb.OnLoading
		return func() { cb(true) }
	}
	return nil
}

// endForegroundLocked marks a foreground fetch as finished. Caller holds
// mu and must invoke the returned notifier, if any, after unlocking.
func (c *Coordinator) endForegroundLocked() func() {
	c.foreground--
	if c.foreground == 0 && c.cb.OnLoading != nil {
		cb := c.cb.OnLoading
		return func() { cb(false) }
	}
	return nil
}

// Close cancels any in-flight requests on both streams. Generations advance
// so late resolutions are discarded even if the transport ignores the abort.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.invalidate()
	c.zoom.invalidate()
}

// zoomDedupKey builds the zoom-stream dedup signature. Bounds are rounded
// to 2 decimal places and the center to 3, finer than the cache grid, so a
// sub-0.01 degree pan is a no-op.
func zoomDedupKey(vp geo.Viewport, filters meetings.FilterSet, mode lod.Mode) string {
	b := vp.Bounds.RoundedTo(2)
	return fmt.Sprintf("%s|z%d|%.2f,%.2f,%.2f,%.2f|%.3f,%.3f|%s",
		mode, vp.Zoom, b.South, b.West, b.North, b.East,
		geo.RoundTo(vp.Center.Lat, 3), geo.RoundTo(vp.Center.Lng, 3),
		filters.Signature())
}
