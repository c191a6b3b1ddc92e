// Package mapengine orchestrates geospatial level-of-detail data loading
// for an interactive meetings map. Given a stream of viewport changes and a
// mutable filter set, it picks the right data resolution for the zoom
// level, deduplicates and cancels redundant backend requests, caches
// results with stale-while-revalidate semantics, and hands the renderer a
// stable view model that never blanks mid-gesture.
package mapengine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"meetings-map/internal/api"
	"meetings-map/internal/cache"
	"meetings-map/internal/config"
	"meetings-map/internal/coordinator"
	"meetings-map/internal/geo"
	"meetings-map/internal/lod"
	"meetings-map/internal/meetings"
	"meetings-map/internal/presenter"
	"meetings-map/internal/telemetry"
	"meetings-map/internal/viewport"
)

// Callbacks is the entire contract a map-rendering layer implements against
// the engine. All callbacks are optional and are invoked off the render
// path.
type Callbacks struct {
	// OnDataLoaded delivers a zoom-dependent payload; fromCache is true
	// when no network call was made
	OnDataLoaded func(data *meetings.MapDataResult, fromCache bool)

	// OnStateDataLoaded delivers a by-state summary payload
	OnStateDataLoaded func(data *meetings.StateAggregateResult)

	// OnZoomChange fires when a settled viewport changed the zoom level
	OnZoomChange func(zoom int)

	// OnBoundsChange fires for every settled viewport
	OnBoundsChange func(vp geo.Viewport)

	// OnLoadingChange reports foreground fetch activity
	OnLoadingChange func(isLoading bool)
}

// Engine wires the viewport tracker, mode selection, fetch coordination,
// cache store, and presenter together behind one facade
type Engine struct {
	settings   *config.Settings
	thresholds lod.Thresholds

	store   *cache.Store
	coord   *coordinator.Coordinator
	pres    *presenter.Presenter
	tracker *viewport.Tracker
	tel     *telemetry.Client

	mu       sync.Mutex
	cb       Callbacks
	filters  meetings.FilterSet
	current  geo.Viewport
	hasVp    bool
	lastZoom int
	closed   bool
}

// NewEngine creates an engine from settings, talking to the production
// backend over HTTP
func NewEngine(settings *config.Settings) (*Engine, error) {
	backend := api.NewClient(settings.BaseURL, settings.UserAgent)
	return NewEngineWithBackend(settings, backend)
}

// NewEngineWithBackend creates an engine with a custom backend transport.
// Tests use this to substitute a fake.
func NewEngineWithBackend(settings *config.Settings, backend coordinator.Backend) (*Engine, error) {
	if settings == nil {
		settings = config.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	thresholds := lod.Thresholds{
		State:  settings.StateThreshold,
		Detail: settings.DetailThreshold,
	}

	store, err := cache.NewStore(
		settings.CacheMaxEntries,
		time.Duration(settings.CacheTTLMinutes)*time.Minute,
		thresholds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache store: %w", err)
	}

	var distinctID string
	if settings.TelemetryKey != "" {
		distinctID = config.EnsureDistinctID(settings)
	}
	tel := telemetry.NewClient(settings.TelemetryKey, settings.TelemetryHost, distinctID)

	e := &Engine{
		settings:   settings,
		thresholds: thresholds,
		store:      store,
		pres:       presenter.New(thresholds, time.Duration(settings.TransitionTimeoutMs)*time.Millisecond),
		coord:      coordinator.New(backend, store, thresholds, settings.IndividualCap),
		tel:        tel,
		lastZoom:   -1,
	}

	e.coord.SetCallbacks(coordinator.Callbacks{
		OnData:       e.handleData,
		OnStateData:  e.handleStateData,
		OnLoading:    e.handleLoading,
		OnFetchError: e.handleFetchError,
	})

	e.tracker = viewport.NewTracker(
		time.Duration(settings.DebounceMs)*time.Millisecond,
		e.handleViewportChanged,
	)

	tel.Capture("engine_started", map[string]interface{}{
		"stateThreshold":  settings.StateThreshold,
		"detailThreshold": settings.DetailThreshold,
	})
	log.Printf("[Engine] Initialized for %s (T1=%d, T2=%d, ttl=%dm)",
		settings.BaseURL, settings.StateThreshold, settings.DetailThreshold,
		settings.CacheTTLMinutes)

	return e, nil
}

// SetCallbacks sets the renderer callbacks. Call before the first
// SetViewport so the initial load is observed.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

// SetViewport records a pan/zoom update. The first viewport is processed
// immediately so the initial paint has data; later updates settle through
// the debounce window.
func (e *Engine) SetViewport(vp geo.Viewport) {
	if err := vp.Validate(); err != nil {
		log.Printf("[Engine] Ignoring invalid viewport: %v", err)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.current = vp
	e.hasVp = true
	e.mu.Unlock()

	e.tracker.Publish(vp)
}

// SetFilters replaces the filter set and forces a refresh. Dedup
// signatures reset so the new filters always issue, but fresh cache entries
// for the new filter keys are still honored.
func (e *Engine) SetFilters(filters meetings.FilterSet) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	changed := e.filters.Signature() != filters.Signature()
	e.filters = filters
	vp, ok := e.current, e.hasVp
	e.mu.Unlock()

	if !changed || !ok {
		return
	}
	e.coord.ForceRefresh(vp, filters)
}

// Filters returns the active filter set
func (e *Engine) Filters() meetings.FilterSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters
}

// Mode returns the active resolution for the current viewport
func (e *Engine) Mode() lod.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lod.SelectMode(e.current.Zoom, e.thresholds)
}

// EffectiveMapData returns the flicker-free zoom-stream view model
func (e *Engine) EffectiveMapData() *meetings.MapDataResult {
	return e.pres.EffectiveMapData()
}

// EffectiveStateData returns the flicker-free state-stream view model
func (e *Engine) EffectiveStateData() *meetings.StateAggregateResult {
	return e.pres.EffectiveStateData()
}

// Visibility derives which map layers should be drawn right now
func (e *Engine) Visibility() presenter.Visibility {
	return e.pres.Visibility()
}

// IsLoading reports whether a foreground fetch is outstanding
func (e *Engine) IsLoading() bool {
	return e.pres.IsLoading()
}

// IsTransitioning reports whether a resolution transition is in progress
func (e *Engine) IsTransitioning() bool {
	return e.pres.IsTransitioning()
}

// Close tears the engine down: pending debounce emissions are suppressed
// and in-flight fetches are aborted
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.tracker.Close()
	e.coord.Close()
	e.pres.Close()
	e.tel.Close()
	log.Printf("[Engine] Closed")
}

// handleViewportChanged runs after a viewport settles
func (e *Engine) handleViewportChanged(vp geo.Viewport) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	filters := e.filters
	zoomChanged := vp.Zoom != e.lastZoom
	e.lastZoom = vp.Zoom
	cb := e.cb
	e.mu.Unlock()

	e.pres.NoteZoom(vp.Zoom)

	if cb.OnBoundsChange != nil {
		cb.OnBoundsChange(vp)
	}
	if zoomChanged && cb.OnZoomChange != nil {
		cb.OnZoomChange(vp.Zoom)
	}

	e.coord.HandleViewportChange(vp, filters)
}

func (e *Engine) handleData(result *meetings.MapDataResult, fromCache bool) {
	e.pres.IngestMapData(result)

	e.mu.Lock()
	cb := e.cb.OnDataLoaded
	e.mu.Unlock()
	if cb != nil {
		cb(result, fromCache)
	}
}

func (e *Engine) handleStateData(result *meetings.StateAggregateResult) {
	e.pres.IngestStateData(result)

	e.mu.Lock()
	cb := e.cb.OnStateDataLoaded
	e.mu.Unlock()
	if cb != nil {
		cb(result)
	}
}

func (e *Engine) handleLoading(isLoading bool) {
	e.pres.SetLoading(isLoading)

	e.mu.Lock()
	cb := e.cb.OnLoadingChange
	e.mu.Unlock()
	if cb != nil {
		cb(isLoading)
	}
}

func (e *Engine) handleFetchError(stream string, err error) {
	e.tel.Capture("fetch_failed", map[string]interface{}{
		"stream": stream,
		"error":  err.Error(),
	})
}
