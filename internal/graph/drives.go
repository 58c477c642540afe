package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/graphdrive/internal/driveref"
)

// GetDrive fetches the drive selected by bucket.
func (c *Client) GetDrive(ctx context.Context, bucket driveref.Bucket) (*Drive, error) {
	if err := bucket.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c.logger.Debug("getting drive", slog.String("bucket", bucket.String()))

	var dr driveResponse
	if _, err := c.Send(ctx, &Request{Method: http.MethodGet, Path: bucket.String()}, &dr); err != nil {
		return nil, fmt.Errorf("graph: getting drive %s: %w", bucket, err)
	}

	d := dr.toDrive()

	return &d, nil
}
