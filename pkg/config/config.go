// Package config provides configuration structures and loading logic for the
// interception engine and its policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// Config holds the global configuration for the engine process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policies  PoliciesConfig  `yaml:"policies"`
}

// ServerConfig holds configuration for the HTTP source adapter and admin endpoints.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	DataAddress     string        `yaml:"data_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Echo            EchoConfig    `yaml:"echo"`
}

// EchoConfig shapes the demonstration flow served behind the policies.
type EchoConfig struct {
	Status int           `yaml:"status"`
	Delay  time.Duration `yaml:"delay"`
}

// EngineConfig tunes the source and operation engines.
type EngineConfig struct {
	// Pipelines is the number of source pipelines; zero selects one per CPU.
	Pipelines int `yaml:"pipelines"`
	// ChainCacheSize bounds each cache of resolved policy chains; zero selects the
	// engine default.
	ChainCacheSize int `yaml:"chain_cache_size"`
	// RestorePrecedence is "operation_first" or "nearest".
	RestorePrecedence string `yaml:"restore_precedence"`
	// TransactionHeader names the inbound header carrying the transaction id.
	TransactionHeader string `yaml:"transaction_header"`
	// PointcutAttributes lists the request attributes that select policies.
	PointcutAttributes []string `yaml:"pointcut_attributes"`
	// CorrelationTTL bounds how long correlation entries survive when an execution
	// never completes.
	CorrelationTTL time.Duration `yaml:"correlation_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry and diagnostic redaction.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Insecure     bool              `yaml:"insecure"`
	SampleRatio  float64           `yaml:"sample_ratio"`
	Redaction    map[string]string `yaml:"redaction"`
}

// PoliciesConfig locates the policy file.
type PoliciesConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// Default returns the configuration used before any file or environment override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			DataAddress:     ":8090",
			ShutdownTimeout: 10 * time.Second,
			Echo:            EchoConfig{Status: 200},
		},
		Engine: EngineConfig{
			RestorePrecedence:  "operation_first",
			TransactionHeader:  "X-Transaction-Id",
			PointcutAttributes: []string{"method", "path"},
			CorrelationTTL:     5 * time.Minute,
			SweepInterval:      time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-intercept",
			SampleRatio: 1,
		},
		Policies: PoliciesConfig{File: "policies.yaml", Watch: true},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
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
	if val := os.Getenv("INTERCEPT_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("INTERCEPT_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("INTERCEPT_PIPELINES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: INTERCEPT_PIPELINES: %w", domain.ErrConfigInvalid, err)
		}
		cfg.Engine.Pipelines = n
	}
	if val := os.Getenv("INTERCEPT_RESTORE_PRECEDENCE"); val != "" {
		cfg.Engine.RestorePrecedence = val
	}

	if val := os.Getenv("INTERCEPT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("INTERCEPT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("INTERCEPT_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("INTERCEPT_SERVICE_NAME"); val != "" {
		cfg.Telemetry.ServiceName = val
	}

	if val := os.Getenv("INTERCEPT_POLICY_FILE"); val != "" {
		cfg.Policies.File = val
	}
	return nil
}

// Validate normalizes and checks every section, joining all problems found.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server configuration: %w", err))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine configuration: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging configuration: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry configuration: %w", err))
	}
	if err := c.Policies.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policies configuration: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, errors.Join(errs...))
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address and data_address must differ, both are %q", c.AdminAddress)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Echo.Status == 0 {
		c.Echo.Status = 200
	}
	if c.Echo.Status < 100 || c.Echo.Status > 599 {
		return fmt.Errorf("invalid echo status %d", c.Echo.Status)
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.Pipelines < 0 {
		return fmt.Errorf("pipelines must not be negative, got %d", c.Pipelines)
	}
	if c.ChainCacheSize < 0 {
		return fmt.Errorf("chain_cache_size must not be negative, got %d", c.ChainCacheSize)
	}
	precedence := strings.ToLower(strings.TrimSpace(c.RestorePrecedence))
	switch precedence {
	case "":
		c.RestorePrecedence = "operation_first"
	case "operation_first", "nearest":
		c.RestorePrecedence = precedence
	default:
		return fmt.Errorf("invalid restore_precedence %q, supported: operation_first, nearest", c.RestorePrecedence)
	}
	if strings.TrimSpace(c.TransactionHeader) == "" {
		c.TransactionHeader = "X-Transaction-Id"
	}
	if c.CorrelationTTL <= 0 {
		c.CorrelationTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "trace", "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: trace, debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-intercept"
	}
	for name, strategy := range c.Redaction {
		switch strings.ToLower(strategy) {
		case "drop", "mask", "hash", "replace", "redact":
		default:
			return fmt.Errorf("unknown redaction strategy %q for %q", strategy, name)
		}
	}
	return nil
}

// Validate performs validation of the policy file settings.
func (c *PoliciesConfig) Validate() error {
	if strings.TrimSpace(c.File) == "" {
		return errors.New("policies file is required")
	}
	return nil
}
