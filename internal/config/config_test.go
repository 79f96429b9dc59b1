package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ms-gatekeeper/internal/config"
	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadAbsentFileUsesDefaults(t *testing.T) {
	cfg := config.Load(filepath.Join(t.TempDir(), "missing.json"), logger.Discard())

	defaults := config.Defaults()
	assert.Equal(t, defaults.API.BaseURL, cfg.API.BaseURL)
	assert.True(t, cfg.Services.FetchEnabled)
	assert.True(t, cfg.Services.SyncEnabled)
	assert.Equal(t, models.TagA, cfg.Gate.Tag)
	assert.Equal(t, 3*time.Second, cfg.Gate.ScanCooldown)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"api": {
			"base_url": "http://server.local/api/",
			"timeout": 10,
			"retry_attempts": 5,
			"retry_delay": 2
		},
		"services": {"fetch_interval": 60, "sync_interval": 2},
		"gate": {"tag": "b", "db_path": "/data/gate.db", "scan_cooldown": 5},
		"server": {"port": "9090"},
		"cleanup": {"interval": 7200, "retain_days": 3}
	}`)

	cfg := config.Load(path, logger.Discard())
	assert.Equal(t, "http://server.local/api/bookings/summary", cfg.API.FetchURL())
	assert.Equal(t, "http://server.local/api/bookings/update-used", cfg.API.SyncURL())
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5, cfg.API.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.API.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Services.FetchInterval)
	assert.Equal(t, 2*time.Second, cfg.Services.SyncInterval)
	assert.Equal(t, models.TagB, cfg.Gate.Tag, "gate tag is case-insensitive")
	assert.Equal(t, "/data/gate.db", cfg.Gate.DBPath)
	assert.Equal(t, 5*time.Second, cfg.Gate.ScanCooldown)
	assert.Equal(t, ":9090", cfg.Server.Port, "bare port numbers get a colon")
	assert.Equal(t, 7200*time.Second, cfg.Cleanup.Interval)
	assert.Equal(t, 3, cfg.Cleanup.RetainDays)
}

func TestLoadMalformedIntervalDisablesFetchOnly(t *testing.T) {
	path := writeConfig(t, `{"services": {"fetch_interval": "soon"}}`)

	cfg := config.Load(path, logger.Discard())
	assert.False(t, cfg.Services.FetchEnabled)
	assert.True(t, cfg.Services.SyncEnabled)
}

func TestLoadMalformedAPIDisablesFetchAndSync(t *testing.T) {
	path := writeConfig(t, `{"api": {"timeout": -5}}`)

	cfg := config.Load(path, logger.Discard())
	assert.False(t, cfg.Services.FetchEnabled)
	assert.False(t, cfg.Services.SyncEnabled)
	// Everything else keeps working.
	assert.True(t, cfg.Cleanup.Enabled)
}

func TestLoadUnreadableFileDisablesRemoteServices(t *testing.T) {
	path := writeConfig(t, `{not json`)

	cfg := config.Load(path, logger.Discard())
	assert.False(t, cfg.Services.FetchEnabled)
	assert.False(t, cfg.Services.SyncEnabled)
	assert.False(t, cfg.Cleanup.Enabled)
	assert.False(t, cfg.Events.Enabled)
	// Defaults survive so the validator still runs.
	assert.Equal(t, models.TagA, cfg.Gate.Tag)
	assert.Equal(t, "gate.db", cfg.Gate.DBPath)
}

func TestLoadUnknownGateTagKeepsDefault(t *testing.T) {
	path := writeConfig(t, `{"gate": {"tag": "Z"}}`)

	cfg := config.Load(path, logger.Discard())
	assert.Equal(t, models.TagA, cfg.Gate.Tag)
}

func TestLoadMalformedCleanupDisablesCleanup(t *testing.T) {
	path := writeConfig(t, `{"cleanup": {"retain_days": 0}}`)

	cfg := config.Load(path, logger.Discard())
	assert.False(t, cfg.Cleanup.Enabled)
}

func TestLoadMalformedEventsDisablesPublishing(t *testing.T) {
	path := writeConfig(t, `{"events": {"enabled": true, "brokers": []}}`)

	cfg := config.Load(path, logger.Discard())
	assert.False(t, cfg.Events.Enabled)
}

func TestURLJoining(t *testing.T) {
	api := config.APIConfig{BaseURL: "http://host/api", FetchEndpoint: "/bookings/summary"}
	assert.Equal(t, "http://host/api/bookings/summary", api.FetchURL())

	api = config.APIConfig{BaseURL: "http://host/api/", FetchEndpoint: "bookings/summary"}
	assert.Equal(t, "http://host/api/bookings/summary", api.FetchURL())
}
