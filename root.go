package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/graphdrive/internal/config"
	"github.com/tonimelisma/graphdrive/internal/driveops"
	"github.com/tonimelisma/graphdrive/internal/instrumentation"
	"github.com/tonimelisma/graphdrive/internal/tokenfile"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath   string
	flagBucket       string
	flagTenantID     string
	flagClientID     string
	flagClientSecret string
	flagJSON         bool
	flagVerbose      bool
	flagQuiet        bool
)

// openCLI is the context built by PersistentPreRunE. main closes it after
// the command returns, including on error, which PersistentPostRunE would
// not do.
var openCLI *CLIContext

// CLIFlags are the output-related persistent flags.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

// CLIContext carries everything a command needs: the resolved config, the
// logger, output streams, and the open drive.
type CLIContext struct {
	Cfg    *config.Resolved
	Flags  CLIFlags
	Logger *slog.Logger
	Out    io.Writer
	Err    io.Writer
	Drive  *driveops.Drive

	telemetry *instrumentation.Provider
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "graphdrive",
		Short:   "Microsoft Graph drive client",
		Long:    "Upload, list and manage files in OneDrive and SharePoint drives with app-only credentials.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd.Context())
			if err != nil {
				return err
			}

			openCLI = cc

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagBucket, "bucket", "", "drive to address: me, users/{id}, groups/{id}, sites/{id}, drives/{id}")
	pf.StringVar(&flagTenantID, "tenant-id", "", "Azure AD tenant id")
	pf.StringVar(&flagClientID, "client-id", "", "app registration client id")
	pf.StringVar(&flagClientSecret, "client-secret", "", "app registration secret (prefer "+config.EnvClientSecret+")")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(
		newDriveCmd(),
		newStatCmd(),
		newLsCmd(),
		newSearchCmd(),
		newMkdirCmd(),
		newRmCmd(),
		newMvCmd(),
		newCpCmd(),
		newPutCmd(),
		newPutDirCmd(),
		newCancelUploadCmd(),
	)

	return cmd
}

// newCLIContext resolves configuration, builds the logger and telemetry,
// and opens the drive.
func newCLIContext(ctx context.Context) (*CLIContext, error) {
	resolved, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{
		ConfigPath:   flagConfigPath,
		Bucket:       flagBucket,
		TenantID:     flagTenantID,
		ClientID:     flagClientID,
		ClientSecret: flagClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet}
	logger := buildLogger(os.Stderr, resolved.Logging, flags)

	logger.Debug("config resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("bucket", resolved.Bucket.String()),
		slog.Any("credentials", resolved.Credentials),
	)

	tp, err := instrumentation.NewProvider(ctx, instrumentation.Config{
		ServiceName:     "graphdrive",
		ServiceVersion:  version,
		MetricsExporter: resolved.Telemetry.MetricsExporter,
		TracesExporter:  resolved.Telemetry.TracesExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("starting telemetry: %w", err)
	}

	d, err := openDrive(resolved, tp.Metrics(), logger)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx))
	}

	return &CLIContext{
		Cfg:       resolved,
		Flags:     flags,
		Logger:    logger,
		Out:       os.Stdout,
		Err:       os.Stderr,
		Drive:     d,
		telemetry: tp,
	}, nil
}

// openDrive builds the drive handle from resolved settings. The token cache
// and upload session records live under the data directory.
func openDrive(rc *config.Resolved, metrics *instrumentation.Metrics, logger *slog.Logger) (*driveops.Drive, error) {
	dataDir := config.DefaultDataDir()

	cfg := driveops.Config{
		Credentials: rc.Credentials,
		Bucket:      rc.Bucket,
		Options: driveops.Options{
			CancelOnError:      rc.CancelOnError,
			MaxConcurrentTasks: rc.MaxConcurrentTasks,
			MultipartPartSize:  rc.PartSize,
			IOWorkers:          rc.IOWorkers,
			BandwidthLimit:     rc.BandwidthLimit,
			ConflictBehavior:   rc.ConflictBehavior,
		},
		UserAgent: "graphdrive/" + version,
		Metrics:   metrics,
		Logger:    logger,
	}

	if dataDir != "" {
		cfg.SessionStore = driveops.NewSessionStore(dataDir, logger)

		if rc.TokenCache {
			cfg.TokenCache = tokenfile.NewStore(config.TokenCachePath(dataDir, rc.Credentials.ClientID))
		}
	}

	d, err := driveops.NewDrive(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening drive: %w", err)
	}

	return d, nil
}

// Close stops the drive's workers and flushes telemetry.
func (cc *CLIContext) Close(ctx context.Context) error {
	var errs []error

	if cc.Drive != nil {
		errs = append(errs, cc.Drive.Close())
	}

	if cc.telemetry != nil {
		errs = append(errs, cc.telemetry.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// buildLogger creates an slog.Logger from the logging config and CLI flags.
// The config level is the baseline; --verbose and --quiet override it.
// Format "auto" picks text on a terminal and JSON otherwise.
func buildLogger(w io.Writer, lc config.LoggingConfig, flags CLIFlags) *slog.Logger {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := lc.LogFormat
	if format == "" || format == "auto" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
