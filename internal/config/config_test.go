package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	def := Default()
	if cfg.Organizer.BatchSize != def.Organizer.BatchSize ||
		cfg.Organizer.MaxAttempts != def.Organizer.MaxAttempts ||
		cfg.Memory.Interval != def.Memory.Interval {
		t.Errorf("missing config did not yield defaults: %+v", cfg)
	}
}

func TestLoadFromAppliesDefaultsToPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := `
user:
  email: me@example.com
organizer:
  batch_size: 10
`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User.Email != "me@example.com" {
		t.Errorf("email = %q", cfg.User.Email)
	}
	if cfg.Organizer.BatchSize != 10 {
		t.Errorf("batch_size = %d, want 10", cfg.Organizer.BatchSize)
	}
	if cfg.Organizer.ClassifyTimeout != 60*time.Second {
		t.Errorf("classify_timeout = %s, want default", cfg.Organizer.ClassifyTimeout)
	}
	if cfg.Outbox.DedupeTTLDays != 7 {
		t.Errorf("dedupe_ttl_days = %d, want default 7", cfg.Outbox.DedupeTTLDays)
	}
}

func TestDirOverrides(t *testing.T) {
	t.Setenv("STEWARD_CONFIG_DIR", "/tmp/steward-config")
	t.Setenv("STEWARD_DATA_DIR", "/tmp/steward-data")
	t.Setenv("STEWARD_OUTBOX_DIR", "")

	configDir, err := GetConfigDir()
	if err != nil || configDir != "/tmp/steward-config" {
		t.Errorf("config dir = %q err=%v", configDir, err)
	}
	dataDir, err := GetDataDir()
	if err != nil || dataDir != "/tmp/steward-data" {
		t.Errorf("data dir = %q err=%v", dataDir, err)
	}

	var cfg Config
	outbox, err := cfg.GetOutboxDir()
	if err != nil {
		t.Fatalf("outbox dir: %v", err)
	}
	if outbox != filepath.Join("/tmp/steward-data", "triggers", "outbox") {
		t.Errorf("outbox dir = %q", outbox)
	}
	dedupe, err := cfg.GetDedupeDir()
	if err != nil {
		t.Fatalf("dedupe dir: %v", err)
	}
	if dedupe != filepath.Join("/tmp/steward-data", "triggers", "dedupe", "emitted") {
		t.Errorf("dedupe dir = %q", dedupe)
	}
}
