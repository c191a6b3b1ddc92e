// Package presenter merges fresh, cached, and previous results into one
// flicker-free view model. While a load or a resolution transition is in
// progress the renderer keeps seeing the last good data; an empty payload
// becomes authoritative only once the map has settled.
package presenter

import (
	"sync"
	"time"

	"meetings-map/internal/lod"
	"meetings-map/internal/meetings"
)

// DefaultTransitionTimeout clears a stuck transition flag. It exists purely
// so a stalled or failed fetch cannot strand the UI in a transitioning
// state.
const DefaultTransitionTimeout = 500 * time.Millisecond

// Visibility says which layers the renderer should draw
type Visibility struct {
	StateBubbles bool `json:"stateBubbles"`
	Clusters     bool `json:"clusters"`
	Markers      bool `json:"markers"`
	Heatmap      bool `json:"heatmap"`
}

// Presenter holds the merged view model for one map
type Presenter struct {
	mu                sync.Mutex
	thresholds        lod.Thresholds
	transitionTimeout time.Duration

	current           *meetings.MapDataResult
	lastGoodMapData   *meetings.MapDataResult
	currentState      *meetings.StateAggregateResult
	lastGoodStateData *meetings.StateAggregateResult

	// Heatmap clusters are retained separately from lastGoodMapData so
	// density visuals can outlive a transition to individual-point mode
	lastGoodHeatmapClusters []meetings.ClusterPoint

	isLoading       bool
	isTransitioning bool
	transitionTimer *time.Timer

	zoom    int
	hasZoom bool
}

// New creates a presenter. transitionTimeout falls back to the default when
// non-positive.
func New(thresholds lod.Thresholds, transitionTimeout time.Duration) *Presenter {
	if transitionTimeout <= 0 {
		transitionTimeout = DefaultTransitionTimeout
	}
	return &Presenter{
		thresholds:        thresholds,
		transitionTimeout: transitionTimeout,
	}
}

// NoteZoom records the viewport zoom. Crossing the detail threshold upward
// starts a transition: the previous resolution's visuals are retained until
// the first non-empty detail payload arrives or the safety timeout elapses.
func (p *Presenter) NoteZoom(zoom int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	crossedUp := p.hasZoom && p.zoom < p.thresholds.Detail && zoom >= p.thresholds.Detail
	p.zoom = zoom
	p.hasZoom = true

	if !crossedUp {
		return
	}

	p.isTransitioning = true
	if p.transitionTimer != nil {
		p.transitionTimer.Stop()
	}
	p.transitionTimer = time.AfterFunc(p.transitionTimeout, func() {
		p.mu.Lock()
		p.isTransitioning = false
		p.mu.Unlock()
	})
}

// IngestMapData applies a zoom-stream payload. A non-empty payload replaces
// the last good map data and ends any pending transition; an empty payload
// never erases previously good data.
func (p *Presenter) IngestMapData(result *meetings.MapDataResult) {
	if result == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = result
	if result.IsEmpty() {
		return
	}

	p.lastGoodMapData = result
	if len(result.Clusters) > 0 {
		p.lastGoodHeatmapClusters = result.Clusters
	}
	if p.isTransitioning {
		p.isTransitioning = false
		if p.transitionTimer != nil {
			p.transitionTimer.Stop()
			p.transitionTimer = nil
		}
	}
}

// IngestStateData applies a state-stream payload under the same merge rule
func (p *Presenter) IngestStateData(result *meetings.StateAggregateResult) {
	if result == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentState = result
	if !result.IsEmpty() {
		p.lastGoodStateData = result
	}
}

// SetLoading records whether a foreground fetch is outstanding
func (p *Presenter) SetLoading(isLoading bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isLoading = isLoading
}

// IsLoading reports whether a foreground fetch is outstanding
func (p *Presenter) IsLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLoading
}

// IsTransitioning reports whether a resolution transition is in progress
func (p *Presenter) IsTransitioning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isTransitioning
}

// EffectiveMapData returns the zoom-stream view model the renderer should
// draw: the current payload when non-empty, the last good payload while a
// load or transition is pending, and the empty payload once the map has
// settled and there really is no data.
func (p *Presenter) EffectiveMapData() *meetings.MapDataResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveMapDataLocked()
}

func (p *Presenter) effectiveMapDataLocked() *meetings.MapDataResult {
	if !p.current.IsEmpty() {
		return p.current
	}
	if (p.isLoading || p.isTransitioning) && p.lastGoodMapData != nil {
		return p.lastGoodMapData
	}
	return p.current
}

// EffectiveStateData returns the state-stream view model under the same rule
func (p *Presenter) EffectiveStateData() *meetings.StateAggregateResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveStateDataLocked()
}

func (p *Presenter) effectiveStateDataLocked() *meetings.StateAggregateResult {
	if !p.currentState.IsEmpty() {
		return p.currentState
	}
	if (p.isLoading || p.isTransitioning) && p.lastGoodStateData != nil {
		return p.lastGoodStateData
	}
	return p.currentState
}

// HeatmapClusters returns the retained density clusters
func (p *Presenter) HeatmapClusters() []meetings.ClusterPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastGoodHeatmapClusters
}

// Visibility derives which layers should be drawn from the current mode and
// data presence. It is recomputed on every render and holds no state of its
// own.
func (p *Presenter) Visibility() Visibility {
	p.mu.Lock()
	defer p.mu.Unlock()

	mode := lod.SelectMode(p.zoom, p.thresholds)
	mapData := p.effectiveMapDataLocked()
	stateData := p.effectiveStateDataLocked()

	var v Visibility

	v.StateBubbles = p.zoom < p.thresholds.State && !stateData.IsEmpty()

	v.Clusters = !v.StateBubbles && mode == lod.ModeClustered &&
		mapData != nil && len(mapData.Clusters) > 0

	v.Markers = mode == lod.ModeIndividual &&
		mapData != nil && len(meetings.ValidMeetingPoints(mapData.Meetings)) > 0

	v.Heatmap = !v.StateBubbles && !v.Markers && len(p.lastGoodHeatmapClusters) > 0

	return v
}

// Close stops any pending transition timer
func (p *Presenter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transitionTimer != nil {
		p.transitionTimer.Stop()
		p.transitionTimer = nil
	}
	p.isTransitioning = false
}
