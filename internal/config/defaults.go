package config

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultBucket             = "me"
	defaultMaxConcurrentTasks = 4
	defaultPartSize           = "5MiB"
	defaultIOWorkers          = 4
	defaultBandwidthLimit     = "0"
	defaultConflictBehavior   = "replace"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultExporter           = "none"
)

// DefaultConfig returns a Config populated with all default values.
// It is both the starting point for TOML decoding (so unset fields keep
// their defaults) and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Auth:      AuthConfig{TokenCache: true},
		Drive:     DriveConfig{Bucket: defaultBucket},
		Transfers: defaultTransfersConfig(),
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Telemetry: TelemetryConfig{
			MetricsExporter: defaultExporter,
			TracesExporter:  defaultExporter,
		},
	}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		CancelOnError:      true,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		MultipartPartSize:  defaultPartSize,
		IOWorkers:          defaultIOWorkers,
		BandwidthLimit:     defaultBandwidthLimit,
		ConflictBehavior:   defaultConflictBehavior,
	}
}
