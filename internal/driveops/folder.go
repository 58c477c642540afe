package driveops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/graphdrive/internal/driveref"
)

// FileDescriptor is one regular file found under a local folder.
type FileDescriptor struct {
	LocalPath string // filesystem path, for I/O
	RelPath   string // slash-separated, NFC-normalized, relative to the root
	Size      int64
	ModTime   time.Time
}

// EnumerateFiles lists the regular files under root. Names starting with
// "." are skipped, and hidden directories are not descended. Symlinks and
// other non-regular entries are ignored. Any failure, including a missing
// or non-directory root, is a *FolderEnumerationError.
func EnumerateFiles(ctx context.Context, root string) ([]FileDescriptor, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &FolderEnumerationError{Path: root, Err: err}
	}

	if !info.IsDir() {
		return nil, &FolderEnumerationError{Path: root, Err: errors.New("not a directory")}
	}

	var files []FileDescriptor

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &FolderEnumerationError{Path: path, Err: err}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if path == root {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return &FolderEnumerationError{Path: path, Err: err}
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return &FolderEnumerationError{Path: path, Err: err}
		}

		files = append(files, FileDescriptor{
			LocalPath: path,
			RelPath:   norm.NFC.String(filepath.ToSlash(rel)),
			Size:      fi.Size(),
			ModTime:   fi.ModTime(),
		})

		return nil
	})
	if walkErr != nil {
		var fe *FolderEnumerationError
		if errors.As(walkErr, &fe) {
			return nil, fe
		}

		return nil, &FolderEnumerationError{Path: root, Err: walkErr}
	}

	return files, nil
}

// CopyFolder uploads every regular file under localDir to the matching
// path beneath remoteFolder, through a queue built from the drive's
// options. With CancelOnError the first failure drops the files not yet
// started; otherwise every file is attempted. The first error is returned.
func (d *Drive) CopyFolder(ctx context.Context, localDir string, remoteFolder driveref.Reference) error {
	if err := remoteFolder.Validate(); err != nil {
		return fmt.Errorf("driveops: remote folder: %w", err)
	}

	files, err := EnumerateFiles(ctx, localDir)
	if err != nil {
		return err
	}

	d.logger.Info("copying folder",
		slog.String("local_dir", localDir),
		slog.String("remote", remoteFolder.String()),
		slog.Int("files", len(files)),
	)

	q := d.NewQueue(ctx)

	for _, f := range files {
		dest := remoteFolder.Child(f.RelPath)

		submitErr := q.Submit(func(ctx context.Context) error {
			_, err := d.copyDescriptor(ctx, f, dest, nil)
			return err
		})
		if submitErr != nil {
			// A cancel-on-error queue halted after an early failure.
			break
		}
	}

	if err := q.Wait(); err != nil {
		if d.opts.CancelOnError {
			q.Cancel()
		} else {
			_ = q.Flush() //nolint:errcheck // same first error Wait returned
		}

		stats := q.Stats()
		d.logger.Warn("folder copy failed",
			slog.String("local_dir", localDir),
			slog.Int("succeeded", stats.Succeeded),
			slog.Int("failed", stats.Failed),
			slog.Int("skipped", stats.Skipped),
		)

		return err
	}

	if err := q.Flush(); err != nil {
		return err
	}

	d.logger.Info("folder copy complete",
		slog.String("local_dir", localDir),
		slog.Int("files", len(files)),
	)

	return nil
}
