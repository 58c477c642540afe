// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for graphdrive. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Each table maps to one section struct.
type Config struct {
	Auth      AuthConfig      `toml:"auth"`
	Drive     DriveConfig     `toml:"drive"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// AuthConfig holds the app registration used for the client-credentials
// grant. The secret is better supplied through GRAPHDRIVE_CLIENT_SECRET than
// written to disk.
type AuthConfig struct {
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenCache   bool   `toml:"token_cache"`
}

// DriveConfig selects the drive every command addresses.
type DriveConfig struct {
	// Bucket is "me", "users/{id}", "groups/{id}", "sites/{id}" or "drives/{id}".
	Bucket string `toml:"bucket"`
}

// TransfersConfig controls upload concurrency, part size, and bandwidth.
// The part size must be a multiple of 320 KiB per the upload-session API.
type TransfersConfig struct {
	CancelOnError      bool   `toml:"cancel_on_error"`
	MaxConcurrentTasks int    `toml:"max_concurrent_tasks"`
	MultipartPartSize  string `toml:"multipart_part_size"`
	IOWorkers          int    `toml:"io_workers"`
	BandwidthLimit     string `toml:"bandwidth_limit"`
	ConflictBehavior   string `toml:"conflict_behavior"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	MetricsExporter string `toml:"metrics_exporter"`
	TracesExporter  string `toml:"traces_exporter"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath   string // --config
	Bucket       string // --bucket
	TenantID     string // --tenant-id
	ClientID     string // --client-id
	ClientSecret string // --client-secret
}
