// mapprobe drives one load cycle of the map data engine against a live
// backend and prints what a renderer would be told to draw. Useful for
// checking a deployment's aggregation endpoints without a frontend.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	mapengine "meetings-map"
	"meetings-map/internal/config"
	"meetings-map/internal/geo"
	"meetings-map/internal/meetings"
)

var (
	baseURL string
	zoom    int
	north   float64
	south   float64
	east    float64
	west    float64
	day     int
	mtype   string
	state   string
	city    string
	online  bool
	hybrid  bool
	format  string
	timeout time.Duration
	asJSON  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mapprobe",
		Short: "Probe the meetings map backend through the data engine",
		RunE:  run,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&baseURL, "base-url", "http://localhost:8080/api", "Backend base URL")
	flags.IntVar(&zoom, "zoom", 10, "Viewport zoom level")
	flags.Float64Var(&north, "north", 41.0, "Viewport north edge")
	flags.Float64Var(&south, "south", 39.0, "Viewport south edge")
	flags.Float64Var(&east, "east", -74.0, "Viewport east edge")
	flags.Float64Var(&west, "west", -76.0, "Viewport west edge")
	flags.IntVar(&day, "day", -1, "Filter: day of week (0=Sunday, -1=any)")
	flags.StringVar(&mtype, "type", "", "Filter: meeting type code")
	flags.StringVar(&state, "state", "", "Filter: two-letter state code")
	flags.StringVar(&city, "city", "", "Filter: city name")
	flags.BoolVar(&online, "online", false, "Filter: online meetings (unset when flag absent)")
	flags.BoolVar(&hybrid, "hybrid", false, "Filter: hybrid meetings (unset when flag absent)")
	flags.StringVar(&format, "format", "", "Filter: meeting format")
	flags.DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for data")
	flags.BoolVar(&asJSON, "json", false, "Print the payload as JSON")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	settings := config.DefaultSettings()
	settings.BaseURL = baseURL

	engine, err := mapengine.NewEngine(settings)
	if err != nil {
		return err
	}
	defer engine.Close()

	done := make(chan struct{}, 2)
	engine.SetCallbacks(mapengine.Callbacks{
		OnDataLoaded: func(data *meetings.MapDataResult, fromCache bool) {
			log.Printf("Map data: mode=%s clusters=%d meetings=%d total=%d (fromCache=%v)",
				data.Mode, len(data.Clusters), len(data.Meetings), data.Total, fromCache)
			done <- struct{}{}
		},
		OnStateDataLoaded: func(data *meetings.StateAggregateResult) {
			log.Printf("State data: states=%d total=%d statesWithMeetings=%d",
				len(data.States), data.Total, data.StatesWithMeetings)
			done <- struct{}{}
		},
	})

	engine.SetFilters(buildFilters(cmd))

	vp := geo.Viewport{
		Bounds: geo.BoundingBox{South: south, West: west, North: north, East: east},
		Zoom:   zoom,
		Center: geo.LatLng{Lat: (south + north) / 2, Lng: (west + east) / 2},
	}
	if err := vp.Validate(); err != nil {
		return fmt.Errorf("invalid viewport: %w", err)
	}

	engine.SetViewport(vp)
	log.Printf("Probing %s at zoom %d (mode=%s)...", baseURL, zoom, engine.Mode())

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("no data within %s", timeout)
	}

	vis := engine.Visibility()
	log.Printf("Visibility: stateBubbles=%v clusters=%v markers=%v heatmap=%v",
		vis.StateBubbles, vis.Clusters, vis.Markers, vis.Heatmap)

	if asJSON {
		payload := map[string]interface{}{
			"mapData":    engine.EffectiveMapData(),
			"stateData":  engine.EffectiveStateData(),
			"visibility": vis,
		}
		out, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	entries, hits, misses := engine.CacheStats()
	log.Printf("Cache: %d entries, %d hits, %d misses", entries, hits, misses)

	return nil
}

func buildFilters(cmd *cobra.Command) meetings.FilterSet {
	filters := meetings.FilterSet{
		Type:   mtype,
		State:  state,
		City:   city,
		Format: format,
	}
	if day >= 0 {
		d := day
		filters.Day = &d
	}
	// online/hybrid are tri-state: only an explicitly passed flag filters,
	// so --online=false still means "in-person only"
	if cmd.Flags().Changed("online") {
		filters.Online = &online
	}
	if cmd.Flags().Changed("hybrid") {
		filters.Hybrid = &hybrid
	}
	return filters
}
