package meetings

import (
	"math"

	"meetings-map/internal/lod"
)

// MeetingPoint represents a single meeting location on the map
type MeetingPoint struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Slug      string  `json:"slug,omitempty"`
	Day       int     `json:"day"`
	Time      string  `json:"time,omitempty"`
	Types     string  `json:"types,omitempty"`
	Address   string  `json:"address,omitempty"`
	City      string  `json:"city,omitempty"`
	State     string  `json:"state,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HasValidCoordinates reports whether the point carries renderable
// coordinates. Scraped records occasionally arrive without a geocode; those
// must never reach the marker layer.
func (m MeetingPoint) HasValidCoordinates() bool {
	if math.IsNaN(m.Latitude) || math.IsNaN(m.Longitude) {
		return false
	}
	if math.IsInf(m.Latitude, 0) || math.IsInf(m.Longitude, 0) {
		return false
	}
	if m.Latitude == 0 && m.Longitude == 0 {
		return false
	}
	return m.Latitude >= -90 && m.Latitude <= 90 && m.Longitude >= -180 && m.Longitude <= 180
}

// ValidMeetingPoints filters out points with missing or non-numeric
// coordinates
func ValidMeetingPoints(points []MeetingPoint) []MeetingPoint {
	result := make([]MeetingPoint, 0, len(points))
	for _, p := range points {
		if p.HasValidCoordinates() {
			result = append(result, p)
		}
	}
	return result
}

// ClusterPoint represents a pre-aggregated group of nearby meetings
type ClusterPoint struct {
	Lat                float64        `json:"lat"`
	Lng                float64        `json:"lng"`
	Count              int            `json:"count"`
	State              string         `json:"state,omitempty"`
	MeetingTypesByCode map[string]int `json:"meetingTypesByCode,omitempty"`
}

// StateAggregate represents the meeting count for one state
type StateAggregate struct {
	State     string  `json:"state"`
	StateName string  `json:"stateName"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Count     int     `json:"count"`
}

// StateAggregateResult is the by-state summary response
type StateAggregateResult struct {
	States             []StateAggregate `json:"states"`
	Total              int              `json:"total"`
	StatesWithMeetings int              `json:"statesWithMeetings"`
}

// IsEmpty reports whether the result carries no data
func (r *StateAggregateResult) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.States) == 0 && r.Total == 0
}

// MapDataResult is the normalized zoom-dependent map payload
type MapDataResult struct {
	Mode     lod.Mode       `json:"mode"`
	Clusters []ClusterPoint `json:"clusters"`
	Meetings []MeetingPoint `json:"meetings"`
	Total    int            `json:"total"`
}

// IsEmpty reports whether the result carries no data
func (r *MapDataResult) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.Clusters) == 0 && len(r.Meetings) == 0 && r.Total == 0
}
