package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Settings represents the static per-deployment engine configuration.
// Nothing here is runtime-mutable; the engine reads it once at startup.
type Settings struct {
	// Backend
	BaseURL   string `json:"baseUrl"`
	UserAgent string `json:"userAgent,omitempty"`

	// Zoom thresholds between resolutions
	StateThreshold  int `json:"stateThreshold"`
	DetailThreshold int `json:"detailThreshold"`

	// Cache settings
	CacheTTLMinutes int `json:"cacheTTLMinutes"`
	CacheMaxEntries int `json:"cacheMaxEntries"`

	// Gesture settling and transition safety windows
	DebounceMs          int `json:"debounceMs"`
	TransitionTimeoutMs int `json:"transitionTimeoutMs"`

	// Individual-mode record cap
	IndividualCap int `json:"individualCap"`

	// Telemetry (disabled when the key is empty)
	TelemetryKey        string `json:"telemetryKey,omitempty"`
	TelemetryHost       string `json:"telemetryHost,omitempty"`
	TelemetryDistinctID string `json:"telemetryDistinctId,omitempty"`
}

// DefaultSettings returns default engine settings
func DefaultSettings() *Settings {
	return &Settings{
		BaseURL:             "http://localhost:8080/api",
		StateThreshold:      6,
		DetailThreshold:     13,
		CacheTTLMinutes:     3,
		CacheMaxEntries:     512,
		DebounceMs:          300,
		TransitionTimeoutMs: 500,
		IndividualCap:       200,
	}
}

// GetSettingsPath returns the settings file path
func GetSettingsPath() string {
	homeDir, _ := os.UserHomeDir()

	baseDir := filepath.Join(homeDir, ".meetings-map", "engine")

	// Ensure directory exists
	os.MkdirAll(baseDir, 0755)

	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads engine settings from disk, merging defaults for any
// missing fields. A missing file yields pure defaults.
func LoadSettings() (*Settings, error) {
	settingsPath := GetSettingsPath()

	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.BaseURL == "" {
		settings.BaseURL = defaults.BaseURL
	}
	if settings.StateThreshold == 0 {
		settings.StateThreshold = defaults.StateThreshold
	}
	if settings.DetailThreshold == 0 {
		settings.DetailThreshold = defaults.DetailThreshold
	}
	if settings.CacheTTLMinutes == 0 {
		settings.CacheTTLMinutes = defaults.CacheTTLMinutes
	}
	if settings.CacheMaxEntries == 0 {
		settings.CacheMaxEntries = defaults.CacheMaxEntries
	}
	if settings.DebounceMs == 0 {
		settings.DebounceMs = defaults.DebounceMs
	}
	if settings.TransitionTimeoutMs == 0 {
		settings.TransitionTimeoutMs = defaults.TransitionTimeoutMs
	}
	if settings.IndividualCap == 0 {
		settings.IndividualCap = defaults.IndividualCap
	}

	return &settings, nil
}

// SaveSettings saves engine settings to disk
func SaveSettings(settings *Settings) error {
	settingsPath := GetSettingsPath()

	dir := filepath.Dir(settingsPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(settingsPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// EnsureDistinctID returns a stable per-install telemetry ID, generating
// and persisting one on first use
func EnsureDistinctID(settings *Settings) string {
	if settings.TelemetryDistinctID != "" {
		return settings.TelemetryDistinctID
	}

	settings.TelemetryDistinctID = uuid.NewString()
	// Best effort: a failed save just means a new ID next launch
	_ = SaveSettings(settings)

	return settings.TelemetryDistinctID
}

// Validate checks settings consistency
func (s *Settings) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if s.StateThreshold >= s.DetailThreshold {
		return fmt.Errorf("stateThreshold (%d) must be below detailThreshold (%d)",
			s.StateThreshold, s.DetailThreshold)
	}
	if s.IndividualCap < 0 {
		return fmt.Errorf("individualCap must not be negative")
	}
	return nil
}
