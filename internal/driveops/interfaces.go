package driveops

import (
	"context"

	"github.com/tonimelisma/graphdrive/internal/driveref"
	"github.com/tonimelisma/graphdrive/internal/graph"
)

// SessionUploader is the upload-session surface of *graph.Client that the
// engine drives. Defined here so tests can substitute a fake.
type SessionUploader interface {
	CreateUploadSession(ctx context.Context, ref driveref.Reference, props graph.UploadProperties) (*graph.UploadSession, error)
	UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rng graph.ByteRange, total int64) ([]string, error)
	QueryUploadSession(ctx context.Context, uploadURL string) (*graph.UploadSession, error)
	CompleteUploadSession(ctx context.Context, uploadURL string) (*graph.Item, error)
	CancelUploadSession(ctx context.Context, uploadURL string) error
}

var _ SessionUploader = (*graph.Client)(nil)
