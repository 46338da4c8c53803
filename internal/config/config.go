package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the steward configuration
type Config struct {
	User      UserConfig      `yaml:"user"`
	Organizer OrganizerConfig `yaml:"organizer"`
	Memory    MemoryConfig    `yaml:"memory"`
	Outbox    OutboxConfig    `yaml:"outbox"`
}

// UserConfig identifies the mailbox owner
type UserConfig struct {
	Email    string `yaml:"email"`
	Timezone string `yaml:"timezone,omitempty"`
}

// OrganizerConfig controls the per-item processing loop
type OrganizerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
	LeaseTimeout    time.Duration `yaml:"lease_timeout"`
}

// MemoryConfig controls the working-memory maintenance loop
type MemoryConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// OutboxConfig controls trigger delivery
type OutboxConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	DedupeDir     string `yaml:"dedupe_dir,omitempty"`
	DedupeTTLDays int    `yaml:"dedupe_ttl_days"`
}

// Default returns a config with defaults applied
func Default() Config {
	return Config{
		Organizer: OrganizerConfig{
			Interval:        time.Minute,
			BatchSize:       50,
			Concurrency:     5,
			MaxAttempts:     3,
			ClassifyTimeout: 60 * time.Second,
			LeaseTimeout:    5 * time.Minute,
		},
		Memory: MemoryConfig{
			Interval: 15 * time.Minute,
		},
		Outbox: OutboxConfig{
			DedupeTTLDays: 7,
		},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("STEWARD_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "steward"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("STEWARD_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "steward"), nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "steward"), nil
	}
	return filepath.Join(home, ".local", "share", "steward"), nil
}

// GetOutboxDir returns the trigger outbox directory
func (c Config) GetOutboxDir() (string, error) {
	if c.Outbox.Dir != "" {
		return c.Outbox.Dir, nil
	}
	if override := os.Getenv("STEWARD_OUTBOX_DIR"); override != "" {
		return override, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "triggers", "outbox"), nil
}

// GetDedupeDir returns the trigger dedupe-marker directory
func (c Config) GetDedupeDir() (string, error) {
	if c.Outbox.DedupeDir != "" {
		return c.Outbox.DedupeDir, nil
	}
	outbox, err := c.GetOutboxDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(outbox), "dedupe", "emitted"), nil
}

// Load reads the config file, returning defaults if it does not exist
func Load() (Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(filepath.Join(configDir, "config.yaml"))
}

// LoadFrom reads a config file from an explicit path
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// Save writes the config file, creating the config dir if needed
func Save(cfg Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Organizer.Interval <= 0 {
		cfg.Organizer.Interval = def.Organizer.Interval
	}
	if cfg.Organizer.BatchSize <= 0 {
		cfg.Organizer.BatchSize = def.Organizer.BatchSize
	}
	if cfg.Organizer.Concurrency <= 0 {
		cfg.Organizer.Concurrency = def.Organizer.Concurrency
	}
	if cfg.Organizer.MaxAttempts <= 0 {
		cfg.Organizer.MaxAttempts = def.Organizer.MaxAttempts
	}
	if cfg.Organizer.ClassifyTimeout <= 0 {
		cfg.Organizer.ClassifyTimeout = def.Organizer.ClassifyTimeout
	}
	if cfg.Organizer.LeaseTimeout <= 0 {
		cfg.Organizer.LeaseTimeout = def.Organizer.LeaseTimeout
	}
	if cfg.Memory.Interval <= 0 {
		cfg.Memory.Interval = def.Memory.Interval
	}
	if cfg.Outbox.DedupeTTLDays <= 0 {
		cfg.Outbox.DedupeTTLDays = def.Outbox.DedupeTTLDays
	}
}
