// Package config loads process configuration for the file writer
// service, grounded on EpochQ's config.Default/Load/Validate shape
// (internal/config/config.go): a struct of YAML-tagged sub-configs, a
// Default() baseline, a Load(path) that overlays a YAML file on top of
// the defaults, and environment variable overrides applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a file writer service instance.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Broker  BrokerConfig  `yaml:"broker"`
	Control ControlConfig `yaml:"control"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Job     JobConfig     `yaml:"job"`
}

// ServiceConfig identifies this process instance.
type ServiceConfig struct {
	ID string `yaml:"id"`
}

// BrokerConfig points at the message broker used for both data topics
// and the control/status topics.
type BrokerConfig struct {
	URLs                  []string      `yaml:"urls"`
	MaxReconnects         int           `yaml:"max_reconnects"`
	ReconnectWait         time.Duration `yaml:"reconnect_wait"`
	StreamName            string        `yaml:"stream_name"`
	DefaultPartitionCount int32         `yaml:"default_partition_count"`
	LatestOffsetBackoff   time.Duration `yaml:"latest_offset_backoff"`
}

// ControlConfig names the control and status topics the master loop
// polls/publishes (spec.md §4.9).
type ControlConfig struct {
	CommandTopic     string        `yaml:"command_topic"`
	StatusTopic      string        `yaml:"status_topic"`
	StatusInterval   time.Duration `yaml:"status_interval"`
	StatusRatePerSec float64       `yaml:"status_rate_per_sec"`
}

// LoggingConfig controls log destination and verbosity.
type LoggingConfig struct {
	File  string `yaml:"file"`
	Level int    `yaml:"level"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// JobConfig sets defaults applied to every job unless a command
// overrides them.
type JobConfig struct {
	FlushInterval       time.Duration `yaml:"flush_interval"`
	BeforeStartLeewayMs int64         `yaml:"before_start_leeway_ms"`
	AfterStopLeewayMs   int64         `yaml:"after_stop_leeway_ms"`
}

// Default returns a Config populated with safe, sensible defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{ID: "filewriter"},
		Broker: BrokerConfig{
			URLs:                  []string{"nats://localhost:4222"},
			MaxReconnects:         -1,
			ReconnectWait:         2 * time.Second,
			StreamName:            "FILEWRITER",
			DefaultPartitionCount: 1,
			LatestOffsetBackoff:   0,
		},
		Control: ControlConfig{
			CommandTopic:     "filewriter.command",
			StatusTopic:      "filewriter.status",
			StatusInterval:   5 * time.Second,
			StatusRatePerSec: 1,
		},
		Logging: LoggingConfig{
			File:  "",
			Level: 0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Job: JobConfig{
			FlushInterval:       5 * time.Second,
			BeforeStartLeewayMs: 0,
			AfterStopLeewayMs:   0,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of
// Default(). A missing file is not an error; the default config is
// returned as-is, mirroring EpochQ's Load so the service can run with
// no config file present. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				applyEnv(cfg)
				return cfg, nil
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FILEWRITER_SERVICE_ID"); v != "" {
		cfg.Service.ID = v
	}
	if v := os.Getenv("FILEWRITER_BROKER_URLS"); v != "" {
		cfg.Broker.URLs = splitNonEmpty(v, ',')
	}
	if v := os.Getenv("FILEWRITER_LOG_LEVEL"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Logging.Level = n
		}
	}
	if v := os.Getenv("FILEWRITER_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("FILEWRITER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return errors.New("service.id must not be empty")
	}
	if len(c.Broker.URLs) == 0 {
		return errors.New("broker.urls must not be empty")
	}
	if c.Control.CommandTopic == "" {
		return errors.New("control.command_topic must not be empty")
	}
	if c.Control.StatusTopic == "" {
		return errors.New("control.status_topic must not be empty")
	}
	if c.Control.StatusInterval <= 0 {
		return errors.New("control.status_interval must be positive")
	}
	if c.Control.StatusRatePerSec <= 0 {
		return errors.New("control.status_rate_per_sec must be positive")
	}
	if c.Job.FlushInterval <= 0 {
		return errors.New("job.flush_interval must be positive")
	}
	if c.Job.BeforeStartLeewayMs < 0 {
		return errors.New("job.before_start_leeway_ms must be >= 0")
	}
	if c.Job.AfterStopLeewayMs < 0 {
		return errors.New("job.after_stop_leeway_ms must be >= 0")
	}
	return nil
}
