package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: http://hub.local:8123
  token: abc123
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Hub.URL != "http://hub.local:8123" {
		t.Errorf("hub url: %q", cfg.Hub.URL)
	}
	// Defaults applied.
	if cfg.Catalog.Path != "hearth.db" {
		t.Errorf("catalog path default: %q", cfg.Catalog.Path)
	}
	if cfg.Tenant != "default" {
		t.Errorf("tenant default: %q", cfg.Tenant)
	}
	if cfg.MQTT.TopicRoot != "hearth" || cfg.MQTT.DeviceName != "hearth" {
		t.Errorf("mqtt defaults: %q/%q", cfg.MQTT.TopicRoot, cfg.MQTT.DeviceName)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: https://hub.example.com
  token: tok
catalog:
  path: /var/lib/hearth/catalog.db
sync:
  interval_minutes: 30
resolver:
  match_threshold: 60
  confirm_threshold: 90
mqtt:
  broker: mqtt://broker.local:1883
  topic_root: home
  device_name: hearth-main
  entity_globs: ["light.*"]
  events_per_minute: 10
tenant: house-a
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.IntervalMinutes != 30 {
		t.Errorf("sync interval: %d", cfg.Sync.IntervalMinutes)
	}
	if cfg.Resolver.MatchThreshold != 60 || cfg.Resolver.ConfirmThreshold != 90 {
		t.Errorf("resolver thresholds: %v/%v", cfg.Resolver.MatchThreshold, cfg.Resolver.ConfirmThreshold)
	}
	if len(cfg.MQTT.EntityGlobs) != 1 || cfg.MQTT.EntityGlobs[0] != "light.*" {
		t.Errorf("entity globs: %v", cfg.MQTT.EntityGlobs)
	}
	if cfg.Tenant != "house-a" {
		t.Errorf("tenant: %q", cfg.Tenant)
	}
}

func TestLoadRejectsMissingHub(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing url", "hub:\n  token: tok\n", "hub.url"},
		{"missing token", "hub:\n  url: http://h\n", "hub.token"},
		{
			"threshold out of range",
			"hub:\n  url: http://h\n  token: t\nresolver:\n  match_threshold: 150\n",
			"match_threshold",
		},
		{
			"unknown log level",
			"hub:\n  url: http://h\n  token: t\nlog_level: verbose\n",
			"log_level",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %s", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "hub: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, "hub:\n  url: http://h\n  token: t\n")

	found, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig failed: %v", err)
	}
	if found != path {
		t.Errorf("got %q, want %q", found, path)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing path should fail")
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error"} {
		if _, err := ParseLogLevel(s); err != nil {
			t.Errorf("ParseLogLevel(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("unknown level should fail")
	}
}
