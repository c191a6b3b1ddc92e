package mapengine

import (
	"log"

	"meetings-map/internal/config"
)

// Settings returns a copy of the engine's configuration
func (e *Engine) Settings() config.Settings {
	return *e.settings
}

// CacheStats returns cache entry count and hit/miss counters
func (e *Engine) CacheStats() (entries int, hits, misses int64) {
	return e.store.Stats()
}

// ClearCache removes all cached map data. The next viewport or filter
// change refetches everything from the backend.
func (e *Engine) ClearCache() {
	e.store.Clear()
	e.tel.Capture("cache_cleared", nil)
	log.Printf("[Engine] Cache cleared")
}
