package driveops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tonimelisma/graphdrive/internal/driveref"
	"github.com/tonimelisma/graphdrive/internal/graph"
	"github.com/tonimelisma/graphdrive/internal/instrumentation"
)

// DefaultPartSize is the chunk size used when none is configured (5 MiB,
// a multiple of graph.ChunkAlignment).
const DefaultPartSize = 5 * 1024 * 1024

// UploadState is the lifecycle position of one Upload.
type UploadState int32

const (
	StateNotStarted UploadState = iota
	StateUploading
	StateCompleting
	StateDone
	StateCancelled
	StateFailed
)

func (s UploadState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateUploading:
		return "uploading"
	case StateCompleting:
		return "completing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressFunc receives the number of bytes acknowledged so far and the file
// size after every chunk. It runs on the upload goroutine and must not block.
type ProgressFunc func(sent, total int64)

// Progress is one notification delivered by ProgressChannel.
type Progress struct {
	Sent  int64
	Total int64
}

// ProgressChannel adapts ch to a ProgressFunc. Notifications are dropped
// when ch is full, so a slow reader never stalls the upload.
func ProgressChannel(ch chan<- Progress) ProgressFunc {
	return func(sent, total int64) {
		select {
		case ch <- Progress{Sent: sent, Total: total}:
		default:
		}
	}
}

// Uploader is the chunked upload engine. It holds what every upload of a
// drive shares; per-file state lives in Upload.
type Uploader struct {
	api      SessionUploader
	pool     *IOPool
	partSize int64
	limiter  *BandwidthLimiter
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewUploader creates an engine that reads through pool and sends chunks of
// partSize bytes. partSize < 1 means DefaultPartSize. limiter and metrics may
// be nil.
func NewUploader(
	api SessionUploader, pool *IOPool, partSize int64,
	limiter *BandwidthLimiter, metrics *instrumentation.Metrics, logger *slog.Logger,
) *Uploader {
	if partSize < 1 {
		partSize = DefaultPartSize
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Uploader{
		api:      api,
		pool:     pool,
		partSize: partSize,
		limiter:  limiter,
		metrics:  metrics,
		tracer:   instrumentation.Tracer(),
		logger:   logger,
	}
}

// PartSize returns the chunk size in bytes.
func (u *Uploader) PartSize() int64 { return u.partSize }

// Upload is one file's transfer through an upload session. It is not
// reusable: call Start or Resume once.
type Upload struct {
	u        *Uploader
	ref      driveref.Reference
	content  io.ReaderAt
	props    graph.UploadProperties
	progress ProgressFunc

	state     atomic.Int32
	cancelled atomic.Bool

	onSession func(*graph.UploadSession)

	mu      sync.Mutex
	session *graph.UploadSession
}

// NewUpload prepares an upload of props.Size bytes from content to ref.
// progress may be nil.
func (u *Uploader) NewUpload(ref driveref.Reference, content io.ReaderAt, props graph.UploadProperties, progress ProgressFunc) *Upload {
	return &Upload{u: u, ref: ref, content: content, props: props, progress: progress}
}

// OnSession registers fn to run once Start has created the session, before
// the first chunk is sent. Callers use it to persist the session URL.
func (up *Upload) OnSession(fn func(*graph.UploadSession)) *Upload {
	up.onSession = fn
	return up
}

// State returns the current lifecycle state.
func (up *Upload) State() UploadState { return UploadState(up.state.Load()) }

// Session returns the upload session once one exists, or nil.
func (up *Upload) Session() *graph.UploadSession {
	up.mu.Lock()
	defer up.mu.Unlock()

	return up.session
}

// setSession records s and reports whether Cancel already ran without a
// session to delete. Cancel takes the same lock, so exactly one of the two
// owns the DELETE.
func (up *Upload) setSession(s *graph.UploadSession) (cancelledEarly bool) {
	up.mu.Lock()
	defer up.mu.Unlock()

	up.session = s

	return up.cancelled.Load()
}

// begin moves NotStarted to Uploading exactly once.
func (up *Upload) begin() error {
	if !up.state.CompareAndSwap(int32(StateNotStarted), int32(StateUploading)) {
		return fmt.Errorf("%w: upload already %s", graph.ErrInvalidArgument, up.State())
	}

	return nil
}

func (up *Upload) setState(s UploadState) {
	up.state.Store(int32(s))
	up.u.logger.Debug("upload state", slog.String("ref", up.ref.String()), slog.String("state", s.String()))
}

// Start creates a session, sends every byte and commits the file.
func (up *Upload) Start(ctx context.Context) (*graph.Item, error) {
	if err := up.begin(); err != nil {
		return nil, err
	}

	ctx, span := up.u.tracer.Start(ctx, "upload", trace.WithAttributes(
		attribute.String("graphdrive.ref", up.ref.String()),
		attribute.Int64("graphdrive.size", up.props.Size),
	))
	defer span.End()

	sess, err := up.u.api.CreateUploadSession(ctx, up.ref, up.props)
	if err != nil {
		up.setState(StateFailed)
		instrumentation.RecordSpanError(span, err)

		return nil, err
	}

	if up.setSession(sess) {
		return nil, up.cancelLate(ctx, sess)
	}

	if up.onSession != nil {
		up.onSession(sess)
	}

	item, err := up.run(ctx, sess, 0)
	instrumentation.RecordSpanError(span, err)

	return item, err
}

// Resume continues sess from the first range the server still expects.
func (up *Upload) Resume(ctx context.Context, sess *graph.UploadSession) (*graph.Item, error) {
	if err := up.begin(); err != nil {
		return nil, err
	}

	ctx, span := up.u.tracer.Start(ctx, "upload.resume", trace.WithAttributes(
		attribute.String("graphdrive.ref", up.ref.String()),
		attribute.Int64("graphdrive.size", up.props.Size),
	))
	defer span.End()

	if up.setSession(sess) {
		return nil, up.cancelLate(ctx, sess)
	}

	status, err := up.u.api.QueryUploadSession(ctx, sess.UploadURL)
	if err != nil {
		up.setState(StateFailed)
		instrumentation.RecordSpanError(span, err)

		return nil, fmt.Errorf("querying session for resume: %w", err)
	}

	offset, err := ParseResumeOffset(status.NextExpectedRanges, up.props.Size)
	if err != nil {
		up.setState(StateFailed)
		instrumentation.RecordSpanError(span, err)

		return nil, err
	}

	up.u.logger.Info("resuming upload",
		slog.String("ref", up.ref.String()),
		slog.Int64("offset", offset),
		slog.Int64("size", up.props.Size),
	)

	item, err := up.run(ctx, sess, offset)
	instrumentation.RecordSpanError(span, err)

	return item, err
}

// Cancel stops the upload before its next chunk and deletes the server
// session if one exists. The running Start or Resume returns
// ErrUploadCancelled.
func (up *Upload) Cancel(ctx context.Context) error {
	up.mu.Lock()
	up.cancelled.Store(true)
	sess := up.session
	up.mu.Unlock()

	if sess == nil {
		// Start or Resume deletes it once the session is known.
		return nil
	}

	return up.u.api.CancelUploadSession(ctx, sess.UploadURL)
}

// cancelLate deletes sess for a Cancel that arrived before the session was
// known, and returns ErrUploadCancelled.
func (up *Upload) cancelLate(ctx context.Context, sess *graph.UploadSession) error {
	up.setState(StateCancelled)

	if err := up.u.api.CancelUploadSession(context.WithoutCancel(ctx), sess.UploadURL); err != nil {
		up.u.logger.Warn("failed to delete session of cancelled upload",
			slog.String("ref", up.ref.String()),
			slog.String("error", err.Error()),
		)
	}

	return ErrUploadCancelled
}

// run is the chunk loop followed by the commit.
func (up *Upload) run(ctx context.Context, sess *graph.UploadSession, offset int64) (*graph.Item, error) {
	total := up.props.Size
	buf := make([]byte, min(up.u.partSize, max(total-offset, 0)))

	for {
		if up.cancelled.Load() || ctx.Err() != nil {
			up.setState(StateCancelled)

			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUploadCancelled, err)
			}

			return nil, ErrUploadCancelled
		}

		want := min(int64(len(buf)), max(total-offset, 0))

		n, err := up.u.pool.ReadAt(ctx, up.content, buf[:want], offset)
		if err != nil {
			return nil, up.fail(ctx, fmt.Errorf("reading at offset %d: %w", offset, err))
		}

		if n == 0 {
			break
		}

		if err := up.u.limiter.Wait(ctx, n); err != nil {
			up.setState(StateCancelled)
			return nil, fmt.Errorf("%w: %w", ErrUploadCancelled, err)
		}

		rng := graph.ByteRange{Lower: offset, Upper: offset + int64(n) - 1}

		next, err := up.u.api.UploadChunk(ctx, sess.UploadURL, buf[:n], rng, total)
		if err != nil {
			return nil, up.fail(ctx, err)
		}

		up.u.metrics.RecordUploadChunk(ctx, int64(n))
		up.u.logger.Debug("chunk accepted",
			slog.String("range", rng.ContentRange(total)),
			slog.String("next_expected", strings.Join(next, ",")),
		)

		offset += int64(n)

		if up.progress != nil {
			up.progress(offset, total)
		}
	}

	if offset != total {
		up.setState(StateFailed)
		return nil, fmt.Errorf("%w: read %d of %d bytes, file changed during upload", graph.ErrInvalidArgument, offset, total)
	}

	up.setState(StateCompleting)

	item, err := up.u.api.CompleteUploadSession(ctx, sess.UploadURL)
	if err != nil {
		up.setState(StateFailed)
		return nil, err
	}

	up.setState(StateDone)
	up.u.logger.Info("upload complete",
		slog.String("ref", up.ref.String()),
		slog.String("item_id", item.ID),
		slog.Int64("size", total),
	)

	return item, nil
}

// fail records the terminal state for err. A context that ended while the
// step was in flight counts as cancellation.
func (up *Upload) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		up.setState(StateCancelled)
		return fmt.Errorf("%w: %w", ErrUploadCancelled, err)
	}

	up.setState(StateFailed)

	return err
}

// ParseResumeOffset returns the start of the first range in a session's
// nextExpectedRanges. Entries look like "N-" or "N-M".
func ParseResumeOffset(ranges []string, total int64) (int64, error) {
	if len(ranges) == 0 {
		return 0, &RangeProtocolError{Reason: "nothing left to resume"}
	}

	first := strings.TrimSpace(ranges[0])

	lower, upper, ok := strings.Cut(first, "-")
	if !ok {
		return 0, &RangeProtocolError{Ranges: ranges, Reason: "missing '-'"}
	}

	n, err := strconv.ParseInt(lower, 10, 64)
	if err != nil || n < 0 {
		return 0, &RangeProtocolError{Ranges: ranges, Reason: "bad lower bound"}
	}

	if n >= total {
		return 0, &RangeProtocolError{Ranges: ranges, Reason: "lower bound past end of file"}
	}

	if upper != "" {
		m, err := strconv.ParseInt(upper, 10, 64)
		if err != nil || m < n {
			return 0, &RangeProtocolError{Ranges: ranges, Reason: "bad upper bound"}
		}
	}

	return n, nil
}

// IsCancelled reports whether err ended an upload by cancellation rather
// than failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrUploadCancelled)
}
