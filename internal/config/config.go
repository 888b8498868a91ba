// Package config loads and validates the engine configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oceanpark/oceanctl/internal/models"
)

// Defaults applied when the configuration file omits a key.
const (
	DefaultMonitorIntervalSec = 60
	DefaultMaxConcurrency     = 10
	DefaultBulkDeadlineSec    = 600
	DefaultListen             = "0.0.0.0:8080"
	DefaultScheduleDBPath     = "data/schedule.db"
	DefaultReportDir          = "reports"
	DefaultLogDir             = "logs"
	DefaultTimezone           = "Local"
)

// Config is the parsed configuration document.
type Config struct {
	Devices []models.Device `yaml:"devices"`
	Groups  []models.Group  `yaml:"groups"`

	Retry models.RetryPolicy `yaml:"retry"`

	MonitorIntervalSec int    `yaml:"monitor_interval_sec"`
	MaxConcurrency     int    `yaml:"max_concurrency"`
	BulkDeadlineSec    int    `yaml:"bulk_deadline_sec"`
	ScheduleDBPath     string `yaml:"schedule_db_path"`
	ReportDir          string `yaml:"report_dir"`
	LogDir             string `yaml:"log_dir"`
	Timezone           string `yaml:"timezone"`

	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// Path the config was loaded from; used by the watcher.
	Path string `yaml:"-"`
}

// Load reads the YAML configuration at path, applies environment overrides
// and fills defaults. A .env file in the working directory is honored first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OCEANCTL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("OCEANCTL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OCEANCTL_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("OCEANCTL_SCHEDULE_DB"); v != "" {
		c.ScheduleDBPath = v
	}
	if v := os.Getenv("OCEANCTL_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrency = n
		}
	}
}

func (c *Config) applyDefaults() {
	c.Retry = c.Retry.Normalize()
	if c.MonitorIntervalSec <= 0 {
		c.MonitorIntervalSec = DefaultMonitorIntervalSec
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.BulkDeadlineSec <= 0 {
		c.BulkDeadlineSec = DefaultBulkDeadlineSec
	}
	if c.ScheduleDBPath == "" {
		c.ScheduleDBPath = DefaultScheduleDBPath
	}
	if c.ReportDir == "" {
		c.ReportDir = DefaultReportDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

// Validate checks the non-registry parts of the configuration. Device and
// group consistency is the registry's concern.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("configuration declares no devices")
	}
	return nil
}

// Location resolves the configured IANA timezone.
func (c *Config) Location() (*time.Location, error) {
	if strings.EqualFold(c.Timezone, "Local") || c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// MonitorInterval returns the monitor cycle period.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// BulkDeadline returns the overall fan-out deadline for bulk operations.
func (c *Config) BulkDeadline() time.Duration {
	return time.Duration(c.BulkDeadlineSec) * time.Second
}
