// Package lod maps zoom levels to data resolutions. The map shows state
// summaries when zoomed out, density clusters at mid zoom, and individual
// meeting markers when zoomed in.
package lod

// Mode identifies the resolution of data requested for a viewport
type Mode string

const (
	// ModeStateAggregate shows per-state summary bubbles
	ModeStateAggregate Mode = "state-aggregate"

	// ModeClustered shows pre-aggregated density clusters
	ModeClustered Mode = "clustered"

	// ModeIndividual shows individual meeting markers
	ModeIndividual Mode = "individual"
)

// Default zoom thresholds
const (
	DefaultStateThreshold  = 6
	DefaultDetailThreshold = 13
)

// Thresholds holds the zoom boundaries between resolutions
type Thresholds struct {
	// State is the zoom below which state aggregates are shown
	State int
	// Detail is the zoom at or above which individual markers are shown
	Detail int
}

// DefaultThresholds returns the default zoom thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		State:  DefaultStateThreshold,
		Detail: DefaultDetailThreshold,
	}
}

// SelectMode maps a zoom level to a resolution. Mode depends only on zoom,
// never on data content. Band lower bounds are inclusive: zoom equal to the
// state threshold is clustered, zoom equal to the detail threshold is
// individual.
func SelectMode(zoom int, t Thresholds) Mode {
	switch {
	case zoom < t.State:
		return ModeStateAggregate
	case zoom < t.Detail:
		return ModeClustered
	default:
		return ModeIndividual
	}
}

// GridStep returns the cache quantization cell size in degrees for a zoom
// level. Coarser buckets at low zoom raise the cache hit rate; finer buckets
// at high zoom keep cached data spatially relevant.
func GridStep(zoom int) float64 {
	switch {
	case zoom <= 6:
		return 5.0
	case zoom <= 9:
		return 2.0
	case zoom <= 11:
		return 1.0
	default:
		return 0.5
	}
}
