// Package config provides configuration structures and loading logic for the
// pipeline server and its endpoint definitions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the pipeline server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Governance GovernanceConfig `yaml:"governance"`
	Locale     LocaleConfig     `yaml:"locale"`
	Endpoints  EndpointsConfig  `yaml:"endpoints"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	Address string `yaml:"address"`
	// MetricsAddress serves /metrics and /healthz on a separate listener.
	// Empty mounts them on the main server.
	MetricsAddress  string        `yaml:"metrics_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// TLSConfig enables HTTPS on the main listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig tunes pipeline execution.
type EngineConfig struct {
	MaxParallel int `yaml:"max_parallel"`
}

// GovernanceConfig holds request-level limits applied by the adapter.
type GovernanceConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LocaleConfig lists the languages responses can be localized to. The first
// entry is the default.
type LocaleConfig struct {
	Supported []string `yaml:"supported"`
}

// EndpointsConfig points at the endpoint definitions file.
type EndpointsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp",
			ServiceName: "polis-pipelines",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Governance: GovernanceConfig{
			RequestTimeout: 30 * time.Second,
		},
		Locale: LocaleConfig{
			Supported: []string{"en"},
		},
		Endpoints: EndpointsConfig{
			File:  "endpoints.yaml",
			Watch: true,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PIPELINES_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("PIPELINES_METRICS_ADDR"); val != "" {
		cfg.Server.MetricsAddress = val
	}
	if val := os.Getenv("PIPELINES_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("PIPELINES_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}

	if val := os.Getenv("PIPELINES_TRACE_EXPORTER"); val != "" {
		cfg.Telemetry.Exporter = val
	}
	if val := os.Getenv("PIPELINES_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("PIPELINES_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("PIPELINES_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("PIPELINES_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("PIPELINES_MAX_PARALLEL"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("PIPELINES_MAX_PARALLEL: %w", err)
		}
		cfg.Engine.MaxParallel = n
	}
	if val := os.Getenv("PIPELINES_REQUEST_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("PIPELINES_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Governance.RequestTimeout = d
	}
	if val := os.Getenv("PIPELINES_LOCALES"); val != "" {
		cfg.Locale.Supported = splitList(val)
	}

	if val := os.Getenv("PIPELINES_ENDPOINTS_FILE"); val != "" {
		cfg.Endpoints.File = val
	}
	if val := os.Getenv("PIPELINES_ENDPOINTS_WATCH"); val != "" {
		cfg.Endpoints.Watch = val == "true"
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine configuration: max_parallel must not be negative")
	}

	if c.Governance.RequestTimeout < 0 {
		return fmt.Errorf("governance configuration: request_timeout must not be negative")
	}

	if strings.TrimSpace(c.Endpoints.File) == "" {
		return fmt.Errorf("endpoints configuration: file is required")
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	if c.MetricsAddress != "" && c.MetricsAddress == c.Address {
		return fmt.Errorf("metrics_address %q conflicts with address", c.MetricsAddress)
	}
	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	return nil
}

// TLSEnabled reports whether the main listener serves HTTPS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLS != nil && c.TLS.CertFile != ""
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	c.Exporter = strings.ToLower(strings.TrimSpace(c.Exporter))
	switch c.Exporter {
	case "":
		c.Exporter = "otlp"
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("telemetry exporter must be otlp, stdout or none, got %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %v", c.SampleRatio)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-pipelines"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = "json"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
