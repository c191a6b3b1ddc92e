// Package api implements the read-only HTTP client for the meetings
// backend. The backend pre-aggregates: it returns state summaries, density
// clusters, or individual meetings depending on the query.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meetings-map/internal/geo"
	"meetings-map/internal/lod"
	"meetings-map/internal/meetings"
)

const (
	// DefaultTimeout bounds a single backend request
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies the engine to the backend
	DefaultUserAgent = "meetings-map-engine/1.0"
)

// Client handles communication with the meetings backend
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a backend client with system proxy support
func NewClient(baseURL, userAgent string) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	// Use http.ProxyFromEnvironment to respect system proxy settings
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
	}
}

// FetchStateAggregates queries the by-state summary endpoint. The result is
// viewport-independent: it depends only on the filter set.
func (c *Client) FetchStateAggregates(ctx context.Context, filters meetings.FilterSet) (*meetings.StateAggregateResult, error) {
	requestURL := c.baseURL + "/meetings/by-state"
	if query := filters.QueryValues().Encode(); query != "" {
		requestURL += "?" + query
	}

	var result meetings.StateAggregateResult
	if err := c.getJSON(ctx, requestURL, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchHeatmap queries the heatmap endpoint for the viewport. The server
// chooses the response shape (clustered or individual); in individual mode
// the client additionally caps the record count.
func (c *Client) FetchHeatmap(ctx context.Context, vp geo.Viewport, filters meetings.FilterSet, mode lod.Mode, individualCap int) (*meetings.MapDataResult, error) {
	values := filters.QueryValues()
	values.Set("zoom", strconv.Itoa(vp.Zoom))
	values.Set("north", formatCoord(vp.Bounds.North))
	values.Set("south", formatCoord(vp.Bounds.South))
	values.Set("east", formatCoord(vp.Bounds.East))
	values.Set("west", formatCoord(vp.Bounds.West))
	values.Set("center_lat", formatCoord(vp.Center.Lat))
	values.Set("center_lng", formatCoord(vp.Center.Lng))
	if mode == lod.ModeIndividual && individualCap > 0 {
		values.Set("limit", strconv.Itoa(individualCap))
	}

	requestURL := c.baseURL + "/meetings/heatmap?" + values.Encode()

	var payload struct {
		Mode     string                  `json:"mode"`
		Clusters []meetings.ClusterPoint `json:"clusters"`
		Meetings []meetings.MeetingPoint `json:"meetings"`
		Total    int                     `json:"total"`
	}
	if err := c.getJSON(ctx, requestURL, &payload); err != nil {
		return nil, err
	}

	return normalizeMapData(requestURL, payload.Mode, payload.Clusters, payload.Meetings, payload.Total, mode)
}

// normalizeMapData converts a raw heatmap payload into a MapDataResult. The
// server's mode field wins when present and recognized; otherwise the
// requested mode is assumed.
func normalizeMapData(requestURL, rawMode string, clusters []meetings.ClusterPoint, points []meetings.MeetingPoint, total int, requested lod.Mode) (*meetings.MapDataResult, error) {
	mode := requested
	switch lod.Mode(rawMode) {
	case lod.ModeStateAggregate, lod.ModeClustered, lod.ModeIndividual:
		mode = lod.Mode(rawMode)
	case "":
		// Older backend versions omit the mode field
	default:
		return nil, &MalformedResponseError{
			URL: requestURL,
			Err: fmt.Errorf("unknown mode %q", rawMode),
		}
	}

	if clusters == nil {
		clusters = []meetings.ClusterPoint{}
	}
	points = meetings.ValidMeetingPoints(points)

	return &meetings.MapDataResult{
		Mode:     mode,
		Clusters: clusters,
		Meetings: points,
		Total:    total,
	}, nil
}

// getJSON issues a GET request and decodes the JSON response into out
func (c *Client) getJSON(ctx context.Context, requestURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if IsAbort(err) {
			return err
		}
		return &NetworkError{URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NetworkError{URL: requestURL, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if IsAbort(err) {
			return err
		}
		return &MalformedResponseError{URL: requestURL, Err: err}
	}

	return nil
}

// BaseURL returns the configured backend base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// formatCoord formats a coordinate for a query parameter
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
