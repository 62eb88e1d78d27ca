package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models medtrack.yml.
type Config struct {
	Profile struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name,omitempty"`
	} `yaml:"profile"`
	Doses struct {
		GraceMinutes int `yaml:"grace_minutes"`
	} `yaml:"doses"`
	Reminders struct {
		Enabled               bool   `yaml:"enabled"`
		RefillCheckAt         string `yaml:"refill_check_at"`
		ReconcileEveryMinutes int    `yaml:"reconcile_every_minutes"`
	} `yaml:"reminders"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with mt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Profile.ID == "" {
		return fmt.Errorf("config.profile.id is required")
	}
	if c.Doses.GraceMinutes < 0 {
		return fmt.Errorf("config.doses.grace_minutes must not be negative")
	}
	if c.Reminders.ReconcileEveryMinutes <= 0 {
		return fmt.Errorf("config.reminders.reconcile_every_minutes must be positive")
	}
	if c.Reminders.RefillCheckAt != "" {
		if _, err := time.Parse("15:04", c.Reminders.RefillCheckAt); err != nil {
			return fmt.Errorf("config.reminders.refill_check_at must be HH:MM: %w", err)
		}
	}
	return nil
}

// GracePeriod is how long past a scheduled instant a dose may still be
// recorded before reconciliation marks it missed.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Doses.GraceMinutes) * time.Minute
}

// ReconcileInterval is the periodic-wake cadence of the reminder daemon.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reminders.ReconcileEveryMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "medtrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(profileID string) string {
	return fmt.Sprintf(defaultTemplate, profileID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a profile.
func Default(profileID string) *Config {
	var cfg Config
	cfg.Profile.ID = profileID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, profileID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `profile:
  id: %s

doses:
  grace_minutes: 2

reminders:
  enabled: true
  refill_check_at: "09:00"
  reconcile_every_minutes: 15
`
