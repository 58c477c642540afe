package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/graphdrive/internal/driveops"
	"github.com/tonimelisma/graphdrive/internal/driveref"
)

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file, resuming an interrupted upload of the same file",
		Long: `Upload a file through a chunked upload session.

The remote path defaults to the file name at the drive root. A remote path
ending in "/" is treated as a folder and the local file name is appended.
If an earlier upload of the same unchanged file was interrupted, it resumes
from the last acknowledged byte. Ctrl-C stops between chunks and keeps the
session for a later resume; use cancel-upload to discard it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := shutdownContext(cmd.Context(), openCLI.Logger)
			return runPut(ctx, openCLI, args)
		},
	}
}

func newPutDirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put-dir <local-dir> <remote-folder>",
		Short: "Upload every file under a local folder",
		Long: `Upload every regular file under a local folder to the matching path
beneath a remote folder. Hidden files and folders (names starting with ".")
and symlinks are skipped. With transfers.cancel_on_error (the default) the
first failure stops files that have not started yet.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := shutdownContext(cmd.Context(), openCLI.Logger)
			return runPutDir(ctx, openCLI, args[0], args[1])
		},
	}
}

func newCancelUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-upload <local-path> [remote-path]",
		Short: "Discard the stored upload session of an interrupted put",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancelUpload(cmd.Context(), openCLI, args)
		},
	}
}

// putDestination maps put's arguments to the remote reference of the new
// file.
func (cc *CLIContext) putDestination(args []string) (driveref.Reference, error) {
	name := filepath.Base(args[0])

	if len(args) < 2 {
		return cc.remoteRef(name)
	}

	remote := args[1]
	if remote == "" || strings.HasSuffix(remote, "/") {
		remote += name
	}

	ref, err := cc.remoteRef(remote)
	if err != nil {
		return driveref.Reference{}, err
	}

	if ref.Key.Kind() != driveref.KeyPath {
		// An id key names the folder the file goes into.
		return ref.Child(name), nil
	}

	return ref, nil
}

func runPut(ctx context.Context, cc *CLIContext, args []string) error {
	localPath := args[0]

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory; use put-dir", localPath)
	}

	dest, err := cc.putDestination(args)
	if err != nil {
		return err
	}

	cc.Logger.Debug("put",
		slog.String("local_path", localPath),
		slog.String("dest", dest.String()),
		slog.Int64("size", fi.Size()),
	)

	progress := newProgress(cc.Err, filepath.Base(localPath), cc.Flags.Quiet || cc.Flags.JSON)

	item, err := cc.Drive.CopyFile(ctx, localPath, dest, progress)
	if err != nil {
		if driveops.IsCancelled(err) {
			cc.Statusf("\nUpload interrupted. Re-run the same command to resume.\n")
		}

		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, toItemJSON(item))
	}

	cc.Statusf("Uploaded %s (%s)\n", dest.Key.String(), formatSize(item.Size))

	return nil
}

func runPutDir(ctx context.Context, cc *CLIContext, localDir, remoteFolder string) error {
	dest, err := cc.remoteRef(remoteFolder)
	if err != nil {
		return err
	}

	if err := cc.Drive.CopyFolder(ctx, localDir, dest); err != nil {
		if driveops.IsCancelled(err) {
			cc.Statusf("\nUpload interrupted. Re-run put-dir to resume unfinished files.\n")
		}

		return err
	}

	cc.Statusf("Uploaded %s to %s\n", localDir, dest.Key.String())

	return nil
}

func runCancelUpload(ctx context.Context, cc *CLIContext, args []string) error {
	dest, err := cc.putDestination(args)
	if err != nil {
		return err
	}

	cancelled, err := cc.Drive.CancelStoredUpload(ctx, dest)
	if err != nil {
		return fmt.Errorf("cancelling upload to %s: %w", dest.Key.String(), err)
	}

	if !cancelled {
		cc.Statusf("No stored upload session for %s\n", dest.Key.String())
		return nil
	}

	cc.Statusf("Cancelled upload session for %s\n", dest.Key.String())

	return nil
}
