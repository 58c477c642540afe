package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/graphdrive/internal/driveref"
	"github.com/tonimelisma/graphdrive/internal/graph"
)

// Resolved is the effective configuration after every override layer, with
// human-readable values parsed into their typed forms.
type Resolved struct {
	ConfigPath  string
	Credentials graph.Credentials
	TokenCache  bool
	Bucket      driveref.Bucket

	CancelOnError      bool
	MaxConcurrentTasks int
	PartSize           int64
	IOWorkers          int
	BandwidthLimit     int64 // bytes per second, 0 = unlimited
	ConflictBehavior   string

	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// Config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	creds := graph.Credentials{
		TenantID:     firstNonEmpty(cli.TenantID, env.TenantID, cfg.Auth.TenantID),
		ClientID:     firstNonEmpty(cli.ClientID, env.ClientID, cfg.Auth.ClientID),
		ClientSecret: firstNonEmpty(cli.ClientSecret, env.ClientSecret, cfg.Auth.ClientSecret),
	}

	bucket, err := driveref.ParseBucket(firstNonEmpty(cli.Bucket, cfg.Drive.Bucket))
	if err != nil {
		return nil, fmt.Errorf("config validation: bucket: %w", err)
	}

	// Both already passed Validate.
	partSize, _ := ParseSize(cfg.Transfers.MultipartPartSize)    //nolint:errcheck // validated in Load
	bandwidth, _ := ParseBandwidth(cfg.Transfers.BandwidthLimit) //nolint:errcheck // validated in Load

	return &Resolved{
		ConfigPath:         cfgPath,
		Credentials:        creds,
		TokenCache:         cfg.Auth.TokenCache,
		Bucket:             bucket,
		CancelOnError:      cfg.Transfers.CancelOnError,
		MaxConcurrentTasks: cfg.Transfers.MaxConcurrentTasks,
		PartSize:           partSize,
		IOWorkers:          cfg.Transfers.IOWorkers,
		BandwidthLimit:     bandwidth,
		ConflictBehavior:   cfg.Transfers.ConflictBehavior,
		Logging:            cfg.Logging,
		Telemetry:          cfg.Telemetry,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
