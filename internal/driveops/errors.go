package driveops

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUploadCancelled is returned by an upload that stopped between
	// chunks because it was cancelled or its context ended.
	ErrUploadCancelled = errors.New("driveops: upload cancelled")

	// ErrQueueClosed is returned by Queue.Submit after Flush or Cancel, or
	// after a failure stopped a cancel-on-error queue.
	ErrQueueClosed = errors.New("driveops: queue closed")

	// ErrPoolStopped is returned by IOPool.Do when the pool is not running.
	ErrPoolStopped = errors.New("driveops: io pool stopped")
)

// RangeProtocolError reports that an upload session could not tell us where
// to resume: nextExpectedRanges was empty or its first entry did not parse.
// It is terminal for the session.
type RangeProtocolError struct {
	Ranges []string
	Reason string
}

func (e *RangeProtocolError) Error() string {
	if len(e.Ranges) == 0 {
		return "driveops: upload session reported no expected ranges: " + e.Reason
	}

	return fmt.Sprintf("driveops: unusable expected range %q: %s", strings.Join(e.Ranges, ","), e.Reason)
}

// FolderEnumerationError reports a local tree that could not be listed.
type FolderEnumerationError struct {
	Path string
	Err  error
}

func (e *FolderEnumerationError) Error() string {
	return fmt.Sprintf("driveops: enumerating %s: %v", e.Path, e.Err)
}

func (e *FolderEnumerationError) Unwrap() error {
	return e.Err
}
