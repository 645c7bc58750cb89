package model

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Timezone string          `yaml:"timezone"`
	Slots    map[Slot]string `yaml:"slots"`
	Watcher  WatcherConfig   `yaml:"watcher"`
	Rescan   RescanConfig    `yaml:"rescan"`
	Publish  PublishConfig   `yaml:"publish"`
	Daemon   DaemonConfig    `yaml:"daemon"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type WatcherConfig struct {
	DebounceSec float64 `yaml:"debounce_sec"`
}

type RescanConfig struct {
	// RetimeOnChange controls whether a pending post whose explicit
	// publish_at field changed on disk gets a new scheduled time. Posts
	// with unchanged descriptors always keep their first-computed time.
	RetimeOnChange *bool `yaml:"retime_on_change"`
}

type PublishConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout is the per-attempt publish deadline.
func (p PublishConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads config.yaml from path, expanding ${ENV} references after
// loading a .env file if one is present. A missing config file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.setDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Slots == nil {
		c.Slots = map[Slot]string{}
	}
	if c.Slots[SlotMorning] == "" {
		c.Slots[SlotMorning] = "09:00"
	}
	if c.Slots[SlotDay] == "" {
		c.Slots[SlotDay] = "13:00"
	}
	if c.Slots[SlotNight] == "" {
		c.Slots[SlotNight] = "22:30"
	}
	if c.Watcher.DebounceSec <= 0 {
		c.Watcher.DebounceSec = 30
	}
	if c.Rescan.RetimeOnChange == nil {
		t := true
		c.Rescan.RetimeOnChange = &t
	}
	if c.Publish.BaseURL == "" {
		c.Publish.BaseURL = "https://api.twitter.com"
	}
	if c.Publish.TimeoutSec <= 0 {
		c.Publish.TimeoutSec = 60
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// SlotTime returns the configured "HH:MM" wall time for a slot.
func (c *Config) SlotTime(slot Slot) string {
	if t, ok := c.Slots[slot]; ok {
		return t
	}
	return "12:00"
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
