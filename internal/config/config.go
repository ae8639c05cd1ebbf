// Package config handles Hearth configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Hub      HubConfig      `yaml:"hub"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Sync     SyncConfig     `yaml:"sync"`
	Resolver ResolverConfig `yaml:"resolver"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Tenant   string         `yaml:"tenant"`
	LogLevel string         `yaml:"log_level"`
}

// HubConfig defines the smart-home hub connection settings.
type HubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// CatalogConfig defines the local registry mirror.
type CatalogConfig struct {
	// Path is the SQLite database file. Empty means ./hearth.db.
	Path string `yaml:"path"`
}

// SyncConfig controls the periodic registry sync.
type SyncConfig struct {
	// IntervalMinutes between full registry syncs. Zero disables the
	// periodic sync (the startup sync still runs).
	IntervalMinutes int `yaml:"interval_minutes"`
}

// ResolverConfig overrides the target resolver's confidence thresholds.
// Zero values fall back to the resolver defaults (70 match, 85 confirm).
type ResolverConfig struct {
	MatchThreshold   float64 `yaml:"match_threshold"`
	ConfirmThreshold float64 `yaml:"confirm_threshold"`
}

// MQTTConfig defines the optional state-change event bridge.
// The bridge is disabled when Broker is empty.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicRoot  string `yaml:"topic_root"`  // default: "hearth"
	DeviceName string `yaml:"device_name"` // default: "hearth"

	// EntityGlobs restricts which entities are republished
	// (path.Match syntax, e.g. "light.*", "binary_sensor.*door*").
	// Empty means all entities.
	EntityGlobs []string `yaml:"entity_globs"`

	// EventsPerMinute caps republished state changes per entity.
	// Zero disables rate limiting.
	EventsPerMinute int `yaml:"events_per_minute"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Catalog.Path == "" {
		c.Catalog.Path = "hearth.db"
	}
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.MQTT.TopicRoot == "" {
		c.MQTT.TopicRoot = "hearth"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hearth"
	}
}

func (c *Config) validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if c.Hub.Token == "" {
		return fmt.Errorf("hub.token is required")
	}
	if c.Resolver.MatchThreshold < 0 || c.Resolver.MatchThreshold > 100 {
		return fmt.Errorf("resolver.match_threshold must be within [0,100]")
	}
	if c.Resolver.ConfirmThreshold < 0 || c.Resolver.ConfirmThreshold > 100 {
		return fmt.Errorf("resolver.confirm_threshold must be within [0,100]")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}
