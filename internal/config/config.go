// Package config provides configuration loading for the Privarion policy
// engine. Configuration comes from a privarion.yaml file plus PRIVARION_*
// environment overrides; the rule and policy catalogs live in separate YAML
// files referenced from here.
package config

import "time"

// Config is the top-level engine configuration.
type Config struct {
	// Engine configures the decision engine itself.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// RateLimit configures grant issuance rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Audit configures the audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Catalog points at the rule, policy, and operator catalog files.
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`
}

// EngineConfig configures the decision engine core.
type EngineConfig struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ComplexityCeiling is the condition complexity above which the
	// validator flags a rule. Defaults to 50.
	ComplexityCeiling int `yaml:"complexity_ceiling" mapstructure:"complexity_ceiling" validate:"omitempty,min=1"`

	// CacheSize bounds the decision cache entry count. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=0"`

	// KnownServices lists the service names the engine accepts. Requests
	// naming any other service are rejected as invalid. When empty, any
	// service name is accepted.
	KnownServices []string `yaml:"known_services" mapstructure:"known_services"`

	// SnapshotFile is where the engine persists its catalog snapshot.
	// Empty disables snapshot persistence.
	SnapshotFile string `yaml:"snapshot_file" mapstructure:"snapshot_file"`
}

// RateLimitConfig bounds how fast temporary grants may be issued per
// bundle and service pair.
type RateLimitConfig struct {
	// Ceiling is the number of grants allowed per window. Defaults to 5.
	Ceiling int `yaml:"ceiling" mapstructure:"ceiling" validate:"omitempty,min=1"`

	// Window is the sliding window duration (e.g. "1m"). Defaults to "1m".
	Window string `yaml:"window" mapstructure:"window"`
}

// AuditConfig configures the audit trail sink.
type AuditConfig struct {
	// Output selects the sink: "stdout", "file://<absolute-path>", or
	// "sqlite://<path>". Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`

	// ChannelSize is the async buffer size. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records written per batch. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed (e.g. "1s").
	// Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval"`

	// HistoryLimit bounds the sqlite history row count. Defaults to 10000.
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" validate:"omitempty,min=1"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled controls whether the /metrics listener starts.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the listen address. Defaults to "127.0.0.1:9464".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// TelemetryConfig configures OpenTelemetry tracing and metrics export.
type TelemetryConfig struct {
	// Enabled controls whether spans and OTel metrics are exported.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// CatalogConfig points at the YAML catalog files.
type CatalogConfig struct {
	// RulesFile is the path to the rule catalog. Optional.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// PoliciesFile is the path to the policy catalog. Optional.
	PoliciesFile string `yaml:"policies_file" mapstructure:"policies_file"`

	// OperatorsFile is the path to the operator catalog. Optional.
	OperatorsFile string `yaml:"operators_file" mapstructure:"operators_file"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Engine.LogLevel == "" {
		c.Engine.LogLevel = "info"
	}
	if c.Engine.ComplexityCeiling == 0 {
		c.Engine.ComplexityCeiling = 50
	}
	if c.Engine.CacheSize == 0 {
		c.Engine.CacheSize = 1000
	}
	if c.RateLimit.Ceiling == 0 {
		c.RateLimit.Ceiling = 5
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "1m"
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.HistoryLimit == 0 {
		c.Audit.HistoryLimit = 10000
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
}

// RateWindow parses the rate limit window, falling back to one minute.
func (c *Config) RateWindow() time.Duration {
	d, err := time.ParseDuration(c.RateLimit.Window)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// AuditFlushInterval parses the flush interval, falling back to one second.
func (c *Config) AuditFlushInterval() time.Duration {
	d, err := time.ParseDuration(c.Audit.FlushInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}
