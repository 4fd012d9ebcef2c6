package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDCGMPort           = 9400
	DefaultDCGMScrapeInterval = 30
	DefaultAMDPort            = 5000
	DefaultAMDScrapeInterval  = 60
	DefaultCustomPort         = 9100
	DefaultCustomInterval     = 30
	DefaultMetricsPath        = "/metrics"
	DefaultBatchMaxEvents     = 1000
	DefaultBatchTimeoutSecs   = 1.0
)

// Config is the static reloader configuration mounted into the pod.
type Config struct {
	DCGMMetrics   FixedExporter `yaml:"dcgm_metrics"`
	AMDMetrics    FixedExporter `yaml:"amd_metrics"`
	CustomMetrics CustomMetrics `yaml:"custom_metrics"`
	Sink          Sink          `yaml:"sink"`
	LogLevel      string        `yaml:"log_level,omitempty"`
}

// FixedExporter configures an exporter kind identified by a well-known pod label.
// Connection parameters are static, pods cannot override them.
type FixedExporter struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	ScrapeInterval int    `yaml:"scrape_interval"`
}

func (f FixedExporter) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// CustomMetrics holds the cluster defaults for annotated pods.
type CustomMetrics struct {
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	ScrapeInterval int    `yaml:"scrape_interval"`
}

type Sink struct {
	Endpoint         string  `yaml:"endpoint"`
	BatchMaxEvents   int     `yaml:"batch_max_events,omitempty"`
	BatchTimeoutSecs float64 `yaml:"batch_timeout_secs,omitempty"`
}

var (
	ErrMissingSinkEndpoint = errors.New("sink.endpoint is required")
	ErrInvalidPort         = errors.New("port must be between 1 and 65535")
	ErrInvalidPath         = errors.New("path must start with '/'")
	ErrInvalidInterval     = errors.New("scrape_interval must be positive")
)

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read reloader config: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal reloader config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.DCGMMetrics.setDefaults(DefaultDCGMPort, DefaultDCGMScrapeInterval)
	c.AMDMetrics.setDefaults(DefaultAMDPort, DefaultAMDScrapeInterval)

	if c.CustomMetrics.Port == 0 {
		c.CustomMetrics.Port = DefaultCustomPort
	}

	if c.CustomMetrics.Path == "" {
		c.CustomMetrics.Path = DefaultMetricsPath
	}

	if c.CustomMetrics.ScrapeInterval == 0 {
		c.CustomMetrics.ScrapeInterval = DefaultCustomInterval
	}

	if c.Sink.BatchMaxEvents == 0 {
		c.Sink.BatchMaxEvents = DefaultBatchMaxEvents
	}

	if c.Sink.BatchTimeoutSecs == 0 {
		c.Sink.BatchTimeoutSecs = DefaultBatchTimeoutSecs
	}
}

func (f *FixedExporter) setDefaults(port, interval int) {
	if f.Port == 0 {
		f.Port = port
	}

	if f.Path == "" {
		f.Path = DefaultMetricsPath
	}

	if f.ScrapeInterval == 0 {
		f.ScrapeInterval = interval
	}
}

func (c *Config) Validate() error {
	if c.Sink.Endpoint == "" {
		return ErrMissingSinkEndpoint
	}

	if _, err := url.ParseRequestURI(c.Sink.Endpoint); err != nil {
		return fmt.Errorf("invalid sink.endpoint: %w", err)
	}

	checks := []struct {
		name     string
		port     int
		path     string
		interval int
	}{
		{"dcgm_metrics", c.DCGMMetrics.Port, c.DCGMMetrics.Path, c.DCGMMetrics.ScrapeInterval},
		{"amd_metrics", c.AMDMetrics.Port, c.AMDMetrics.Path, c.AMDMetrics.ScrapeInterval},
		{"custom_metrics", c.CustomMetrics.Port, c.CustomMetrics.Path, c.CustomMetrics.ScrapeInterval},
	}

	for _, check := range checks {
		if check.port < 1 || check.port > 65535 {
			return fmt.Errorf("%s: %w", check.name, ErrInvalidPort)
		}

		if !strings.HasPrefix(check.path, "/") {
			return fmt.Errorf("%s: %w", check.name, ErrInvalidPath)
		}

		if check.interval <= 0 {
			return fmt.Errorf("%s: %w", check.name, ErrInvalidInterval)
		}
	}

	return nil
}
