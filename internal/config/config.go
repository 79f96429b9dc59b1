package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/models"
)

type Config struct {
	API      APIConfig
	Services ServicesConfig
	Gate     GateConfig
	Server   ServerConfig
	Events   EventsConfig
	Cleanup  CleanupConfig
}

type APIConfig struct {
	BaseURL       string
	FetchEndpoint string
	SyncEndpoint  string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// FetchURL is the remote pull endpoint (quota snapshots).
func (a APIConfig) FetchURL() string {
	return joinURL(a.BaseURL, a.FetchEndpoint)
}

// SyncURL is the remote push endpoint (usage uploads).
func (a APIConfig) SyncURL() string {
	return joinURL(a.BaseURL, a.SyncEndpoint)
}

func joinURL(base, endpoint string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}

type ServicesConfig struct {
	FetchInterval time.Duration
	SyncInterval  time.Duration
	FetchEnabled  bool
	SyncEnabled   bool
}

type GateConfig struct {
	Tag          string
	DBPath       string
	ScanCooldown time.Duration
	HMACSecret   string
	VerifyCodes  bool
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type EventsConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type CleanupConfig struct {
	Enabled    bool
	Interval   time.Duration
	RetainDays int
}

// Defaults returns the built-in configuration used when no config file is
// present.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:       "http://demotms.aditonline.com/api/",
			FetchEndpoint: "bookings/summary",
			SyncEndpoint:  "bookings/update-used",
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    5 * time.Second,
		},
		Services: ServicesConfig{
			FetchInterval: 300 * time.Second,
			SyncInterval:  1 * time.Second,
			FetchEnabled:  true,
			SyncEnabled:   true,
		},
		Gate: GateConfig{
			Tag:          models.TagA,
			DBPath:       "gate.db",
			ScanCooldown: 3 * time.Second,
			VerifyCodes:  false,
		},
		Server: ServerConfig{
			Port:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Events: EventsConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "gate-scan-events",
		},
		Cleanup: CleanupConfig{
			Enabled:    true,
			Interval:   3600 * time.Second,
			RetainDays: 1,
		},
	}
}

// Load reads the JSON config file at path on top of the built-in defaults.
// An absent file is not an error. Malformed values fail closed: the feature
// depending on the value is disabled and a warning is logged, but the
// process never crashes on bad configuration.
func Load(path string, log *logger.Logger) *Config {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info(logger.CategoryConfig, fmt.Sprintf("no config file at %s, using built-in defaults", path))
			return cfg
		}
		log.Error(logger.CategoryConfig, fmt.Sprintf("config file %s unreadable (%v): remote services disabled", path, err))
		cfg.Services.FetchEnabled = false
		cfg.Services.SyncEnabled = false
		cfg.Cleanup.Enabled = false
		cfg.Events.Enabled = false
		return cfg
	}

	apiOK := true
	loadString(v, "api.base_url", &cfg.API.BaseURL)
	loadString(v, "api.fetch_endpoint", &cfg.API.FetchEndpoint)
	loadString(v, "api.sync_endpoint", &cfg.API.SyncEndpoint)
	apiOK = loadSeconds(v, "api.timeout", &cfg.API.Timeout, log) && apiOK
	apiOK = loadInt(v, "api.retry_attempts", &cfg.API.RetryAttempts, log) && apiOK
	apiOK = loadSeconds(v, "api.retry_delay", &cfg.API.RetryDelay, log) && apiOK

	fetchOK := loadSeconds(v, "services.fetch_interval", &cfg.Services.FetchInterval, log)
	fetchOK = loadBool(v, "services.fetch_enabled", &cfg.Services.FetchEnabled, log) && fetchOK
	syncOK := loadSeconds(v, "services.sync_interval", &cfg.Services.SyncInterval, log)
	syncOK = loadBool(v, "services.sync_enabled", &cfg.Services.SyncEnabled, log) && syncOK

	if !apiOK || !fetchOK {
		cfg.Services.FetchEnabled = false
	}
	if !apiOK || !syncOK {
		cfg.Services.SyncEnabled = false
	}
	if !apiOK {
		log.Warn(logger.CategoryConfig, "malformed api settings: fetch and sync disabled")
	}

	loadString(v, "gate.db_path", &cfg.Gate.DBPath)
	loadString(v, "gate.hmac_secret", &cfg.Gate.HMACSecret)
	if !loadSeconds(v, "gate.scan_cooldown", &cfg.Gate.ScanCooldown, log) {
		cfg.Gate.ScanCooldown = Defaults().Gate.ScanCooldown
	}
	if !loadBool(v, "gate.verify_codes", &cfg.Gate.VerifyCodes, log) {
		cfg.Gate.VerifyCodes = false
	}
	if v.IsSet("gate.tag") {
		tag := strings.ToUpper(strings.TrimSpace(v.GetString("gate.tag")))
		if models.ValidTag(tag) {
			cfg.Gate.Tag = tag
		} else {
			log.Warn(logger.CategoryConfig, fmt.Sprintf("gate.tag %q is not a known attraction, keeping %q", v.GetString("gate.tag"), cfg.Gate.Tag))
		}
	}

	if v.IsSet("server.port") {
		port := v.GetString("server.port")
		if port != "" && !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		if port != "" {
			cfg.Server.Port = port
		}
	}

	eventsOK := loadBool(v, "events.enabled", &cfg.Events.Enabled, log)
	loadString(v, "events.topic", &cfg.Events.Topic)
	if v.IsSet("events.brokers") {
		brokers := v.GetStringSlice("events.brokers")
		if len(brokers) > 0 {
			cfg.Events.Brokers = brokers
		} else {
			eventsOK = false
		}
	}
	if !eventsOK {
		cfg.Events.Enabled = false
		log.Warn(logger.CategoryConfig, "malformed events settings: scan event publishing disabled")
	}

	cleanupOK := loadBool(v, "cleanup.enabled", &cfg.Cleanup.Enabled, log)
	cleanupOK = loadSeconds(v, "cleanup.interval", &cfg.Cleanup.Interval, log) && cleanupOK
	cleanupOK = loadInt(v, "cleanup.retain_days", &cfg.Cleanup.RetainDays, log) && cleanupOK
	if !cleanupOK {
		cfg.Cleanup.Enabled = false
		log.Warn(logger.CategoryConfig, "malformed cleanup settings: retention cleanup disabled")
	}

	return cfg
}

func loadString(v *viper.Viper, key string, dst *string) {
	if !v.IsSet(key) {
		return
	}
	if value := v.GetString(key); value != "" {
		*dst = value
	}
}

// loadSeconds reads a duration expressed in seconds (the config file's unit,
// matching the server-side convention). Reports false on a malformed or
// non-positive value.
func loadSeconds(v *viper.Viper, key string, dst *time.Duration, log *logger.Logger) bool {
	if !v.IsSet(key) {
		return true
	}
	var seconds float64
	switch raw := v.Get(key).(type) {
	case float64:
		seconds = raw
	case int:
		seconds = float64(raw)
	case int64:
		seconds = float64(raw)
	case string:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: cannot parse %q as seconds", key, raw))
			return false
		}
		seconds = parsed
	default:
		log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: unexpected type %T", key, raw))
		return false
	}
	if seconds <= 0 {
		log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: must be a positive number of seconds", key))
		return false
	}
	*dst = time.Duration(seconds * float64(time.Second))
	return true
}

func loadInt(v *viper.Viper, key string, dst *int, log *logger.Logger) bool {
	if !v.IsSet(key) {
		return true
	}
	var value int
	switch raw := v.Get(key).(type) {
	case float64:
		value = int(raw)
	case int:
		value = raw
	case int64:
		value = int(raw)
	case string:
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: cannot parse %q as integer", key, raw))
			return false
		}
		value = parsed
	default:
		log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: unexpected type %T", key, raw))
		return false
	}
	if value <= 0 {
		log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: must be positive", key))
		return false
	}
	*dst = value
	return true
}

func loadBool(v *viper.Viper, key string, dst *bool, log *logger.Logger) bool {
	if !v.IsSet(key) {
		return true
	}
	switch raw := v.Get(key).(type) {
	case bool:
		*dst = raw
		return true
	case string:
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: cannot parse %q as boolean", key, raw))
			return false
		}
		*dst = parsed
		return true
	default:
		log.Warn(logger.CategoryConfig, fmt.Sprintf("%s: unexpected type %T", key, raw))
		return false
	}
}
