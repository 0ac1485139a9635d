// Package settings holds the persisted sync configuration. Settings live in
// the store's kv table and are mutated only through Save; the engine reads
// them once at cycle start, never live-bound.
package settings

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmcgann/fieldsync/internal/store"
)

// Settings is the durable sync configuration surface.
type Settings struct {
	// AutoSync enables the recurring timer-driven sync loop.
	AutoSync bool `json:"auto_sync"`

	// SyncOnWifiOnly restricts cycles to wifi links. Enforced by the
	// engine's eligibility check, not by the connectivity monitor.
	SyncOnWifiOnly bool `json:"sync_on_wifi_only"`

	// SyncIntervalMs is the auto-sync period in milliseconds.
	SyncIntervalMs int `json:"sync_interval_ms"`

	// MaxRetries is the per-item retry budget before dead-lettering.
	MaxRetries int `json:"max_retries"`
}

// Default returns the factory settings.
func Default() Settings {
	return Settings{
		AutoSync:       true,
		SyncOnWifiOnly: false,
		SyncIntervalMs: 300000,
		MaxRetries:     3,
	}
}

// Interval returns the auto-sync period as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.SyncIntervalMs) * time.Millisecond
}

// Validate checks the settings for usable values.
func (s Settings) Validate() error {
	if s.SyncIntervalMs <= 0 {
		return fmt.Errorf("sync_interval_ms must be positive (got %d)", s.SyncIntervalMs)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1 (got %d)", s.MaxRetries)
	}
	return nil
}

// Load reads the persisted settings. A store that has never been written
// returns the defaults.
func Load(db *store.DB) (Settings, error) {
	value, err := db.GetValue(store.KeySettings)
	if err == store.ErrNotFound {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	return s, nil
}

// Save validates and persists the settings. This is the only mutation path.
func Save(db *store.DB, s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid settings: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := db.SetValue(store.KeySettings, string(data)); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}
