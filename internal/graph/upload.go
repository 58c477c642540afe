package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tonimelisma/graphdrive/internal/driveref"
)

// ChunkAlignment is the alignment Graph requires for every chunk except the
// last (320 KiB).
const ChunkAlignment = 320 * 1024

// UploadSession is a server-side resumable upload context.
type UploadSession struct {
	UploadURL          string
	ExpirationTime     time.Time
	NextExpectedRanges []string
}

// ByteRange is one inclusive span of a file.
type ByteRange struct {
	Lower int64
	Upper int64
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 { return r.Upper - r.Lower + 1 }

// ContentRange formats the Content-Range header value for a file of total bytes.
func (r ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Lower, r.Upper, total)
}

// UploadProperties describe the file an upload session will create.
type UploadProperties struct {
	Name             string
	Size             int64
	ConflictBehavior string    // empty means ConflictReplace
	ModTime          time.Time // optional; preserved as fileSystemInfo
}

type createUploadSessionRequest struct {
	Item        uploadSessionItem `json:"item"`
	DeferCommit bool              `json:"deferCommit"`
}

type uploadSessionItem struct {
	ConflictBehavior string          `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	Name             string          `json:"name,omitempty"`
	FileSize         int64           `json:"fileSize"`
	FileSystemInfo   *fileSystemInfo `json:"fileSystemInfo,omitempty"`
}

// fileSystemInfo preserves local timestamps on upload.
type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

func (r *uploadSessionResponse) toSession(fallbackURL string, logger *slog.Logger) *UploadSession {
	s := &UploadSession{
		UploadURL:          r.UploadURL,
		NextExpectedRanges: r.NextExpectedRanges,
		ExpirationTime:     parseTimestamp(r.ExpirationDateTime, "expirationDateTime", "", logger),
	}

	if s.UploadURL == "" {
		s.UploadURL = fallbackURL
	}

	return s
}

// CreateUploadSession opens a deferred-commit upload session for ref. The
// bytes are committed by CompleteUploadSession.
func (c *Client) CreateUploadSession(ctx context.Context, ref driveref.Reference, props UploadProperties) (*UploadSession, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}

	if props.Size < 0 {
		return nil, fmt.Errorf("%w: negative upload size %d", ErrInvalidArgument, props.Size)
	}

	conflict := props.ConflictBehavior
	if conflict == "" {
		conflict = ConflictReplace
	}

	item := uploadSessionItem{ConflictBehavior: conflict, Name: props.Name, FileSize: props.Size}
	if !props.ModTime.IsZero() {
		item.FileSystemInfo = &fileSystemInfo{LastModifiedDateTime: props.ModTime.UTC().Format(time.RFC3339)}
	}

	body, err := jsonBody(createUploadSessionRequest{Item: item, DeferCommit: true})
	if err != nil {
		return nil, err
	}

	c.logger.Info("creating upload session",
		slog.String("ref", ref.String()),
		slog.Int64("size", props.Size),
		slog.String("conflict_behavior", conflict),
	)

	var resp uploadSessionResponse
	if _, err := c.Send(ctx, &Request{Method: http.MethodPost, Path: ref.Action("createUploadSession"), Body: body}, &resp); err != nil {
		return nil, fmt.Errorf("graph: creating upload session for %s: %w", ref, err)
	}

	if resp.UploadURL == "" {
		return nil, &DecodeError{StatusCode: http.StatusOK, Target: "UploadSession", Err: errors.New("missing uploadUrl")}
	}

	return resp.toSession("", c.logger), nil
}

// UploadChunk PUTs one range of a file to the session. The Content-Length
// entry in the request header map carries the total file size, but net/http
// ignores it and sends len(chunk) on the wire. The returned ranges are the
// server's nextExpectedRanges (empty once the last byte arrives).
func (c *Client) UploadChunk(ctx context.Context, uploadURL string, chunk []byte, rng ByteRange, total int64) ([]string, error) {
	if err := checkSessionURL(uploadURL); err != nil {
		return nil, err
	}

	if rng.Lower < 0 || rng.Upper < rng.Lower || rng.Upper >= total || int64(len(chunk)) != rng.Len() {
		return nil, fmt.Errorf("%w: chunk of %d bytes does not fit range %d-%d/%d",
			ErrInvalidArgument, len(chunk), rng.Lower, rng.Upper, total)
	}

	var resp uploadSessionResponse

	_, err := c.Send(ctx, &Request{
		Method: http.MethodPut,
		Path:   uploadURL,
		Header: http.Header{
			"Content-Length": {strconv.FormatInt(total, 10)},
			"Content-Range":  {rng.ContentRange(total)},
			"Content-Type":   {"application/octet-stream"},
		},
		Body: bytes.NewReader(chunk),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("graph: uploading range %d-%d/%d: %w", rng.Lower, rng.Upper, total, err)
	}

	return resp.NextExpectedRanges, nil
}

// QueryUploadSession fetches the session status, including the ranges the
// server still expects.
func (c *Client) QueryUploadSession(ctx context.Context, uploadURL string) (*UploadSession, error) {
	if err := checkSessionURL(uploadURL); err != nil {
		return nil, err
	}

	var resp uploadSessionResponse
	if _, err := c.Send(ctx, &Request{Method: http.MethodGet, Path: uploadURL}, &resp); err != nil {
		return nil, fmt.Errorf("graph: querying upload session: %w", err)
	}

	return resp.toSession(uploadURL, c.logger), nil
}

// CompleteUploadSession commits a deferred session with a zero-length POST
// and returns the finished item.
func (c *Client) CompleteUploadSession(ctx context.Context, uploadURL string) (*Item, error) {
	if err := checkSessionURL(uploadURL); err != nil {
		return nil, err
	}

	item, err := c.fetchItem(ctx, &Request{
		Method: http.MethodPost,
		Path:   uploadURL,
		Header: http.Header{"Content-Length": {"0"}},
		Body:   http.NoBody,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: completing upload session: %w", err)
	}

	return item, nil
}

// CancelUploadSession deletes the session and releases its server state.
func (c *Client) CancelUploadSession(ctx context.Context, uploadURL string) error {
	if err := checkSessionURL(uploadURL); err != nil {
		return err
	}

	c.logger.Info("canceling upload session")

	if _, err := c.Send(ctx, &Request{Method: http.MethodDelete, Path: uploadURL}, nil); err != nil {
		return fmt.Errorf("graph: canceling upload session: %w", err)
	}

	return nil
}

// checkSessionURL rejects anything that is not an absolute http(s) URL.
func checkSessionURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: malformed upload session URL", ErrInvalidArgument)
	}

	return nil
}
