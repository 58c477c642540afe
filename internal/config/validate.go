package config

import (
	"errors"
	"fmt"

	"github.com/tonimelisma/graphdrive/internal/driveref"
)

// Validation range constants.
const (
	minConcurrentTasks = 1
	maxConcurrentTasks = 64
	minIOWorkers       = 1
	maxIOWorkers       = 64
	partAlignBytes     = 327680     // 320 KiB alignment for upload parts
	maxPartBytes       = 62_914_560 // 60 MiB
)

// Validate checks all configuration values and returns all errors found,
// so a user can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateDrive(&cfg.Drive)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	return errors.Join(errs...)
}

func validateDrive(d *DriveConfig) []error {
	if _, err := driveref.ParseBucket(d.Bucket); err != nil {
		return []error{fmt.Errorf("bucket: %w", err)}
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.MaxConcurrentTasks < minConcurrentTasks || t.MaxConcurrentTasks > maxConcurrentTasks {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks: must be between %d and %d, got %d",
			minConcurrentTasks, maxConcurrentTasks, t.MaxConcurrentTasks))
	}

	if t.IOWorkers < minIOWorkers || t.IOWorkers > maxIOWorkers {
		errs = append(errs, fmt.Errorf("io_workers: must be between %d and %d, got %d",
			minIOWorkers, maxIOWorkers, t.IOWorkers))
	}

	errs = append(errs, validatePartSize(t.MultipartPartSize)...)

	if _, err := ParseBandwidth(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	if !validConflictBehaviors[t.ConflictBehavior] {
		errs = append(errs, fmt.Errorf("conflict_behavior: must be one of fail, replace, rename; got %q",
			t.ConflictBehavior))
	}

	return errs
}

func validatePartSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("multipart_part_size: %w", err)}
	}

	if bytes < partAlignBytes || bytes > maxPartBytes {
		return []error{fmt.Errorf("multipart_part_size: must be between 320KiB and 60MiB, got %s", s)}
	}

	if bytes%partAlignBytes != 0 {
		return []error{fmt.Errorf(
			"multipart_part_size: must be a multiple of 320 KiB (%d bytes), got %s (%d bytes)",
			partAlignBytes, s, bytes)}
	}

	return nil
}

var validConflictBehaviors = map[string]bool{
	"fail":    true,
	"replace": true,
	"rename":  true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

var validExporters = map[string]bool{
	"none":   true,
	"stdout": true,
}

func validateTelemetry(t *TelemetryConfig) []error {
	var errs []error

	if !validExporters[t.MetricsExporter] {
		errs = append(errs, fmt.Errorf("metrics_exporter: must be one of none, stdout; got %q", t.MetricsExporter))
	}

	if !validExporters[t.TracesExporter] {
		errs = append(errs, fmt.Errorf("traces_exporter: must be one of none, stdout; got %q", t.TracesExporter))
	}

	return errs
}
