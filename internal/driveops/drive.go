package driveops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sync"

	"github.com/tonimelisma/graphdrive/internal/driveref"
	"github.com/tonimelisma/graphdrive/internal/graph"
	"github.com/tonimelisma/graphdrive/internal/instrumentation"
)

// Options tune transfers. Start from DefaultOptions; zero numeric fields
// fall back to their defaults in NewDrive.
type Options struct {
	CancelOnError      bool
	MaxConcurrentTasks int
	MultipartPartSize  int64
	IOWorkers          int
	BandwidthLimit     int64  // bytes per second, 0 = unlimited
	ConflictBehavior   string // graph.Conflict*, empty = replace
}

// DefaultOptions returns the library defaults.
func DefaultOptions() Options {
	return Options{
		CancelOnError:      true,
		MaxConcurrentTasks: DefaultMaxConcurrentTasks,
		MultipartPartSize:  DefaultPartSize,
		IOWorkers:          DefaultIOWorkers,
		ConflictBehavior:   graph.ConflictReplace,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()

	if o.MaxConcurrentTasks < 1 {
		o.MaxConcurrentTasks = def.MaxConcurrentTasks
	}

	if o.MultipartPartSize < 1 {
		o.MultipartPartSize = def.MultipartPartSize
	}

	if o.IOWorkers < 1 {
		o.IOWorkers = def.IOWorkers
	}

	if o.ConflictBehavior == "" {
		o.ConflictBehavior = def.ConflictBehavior
	}

	return o
}

// Config assembles a Drive.
type Config struct {
	Credentials graph.Credentials
	// TokenSource replaces the client-credentials provider when set.
	TokenSource graph.TokenSource
	Bucket      driveref.Bucket
	Options     Options

	BaseURL      string // default graph.DefaultBaseURL
	TokenURL     string // default derived from the tenant
	HTTPClient   *http.Client
	UserAgent    string
	TokenCache   graph.TokenCache
	SessionStore *SessionStore // nil disables cross-process resume
	Metrics      *instrumentation.Metrics
	Logger       *slog.Logger
}

// Drive is an authenticated handle on one drive. It owns the I/O pool
// used by every upload; Close releases it.
type Drive struct {
	client   *graph.Client
	bucket   driveref.Bucket
	opts     Options
	pool     *IOPool
	uploader *Uploader
	sessions *SessionStore
	metrics  *instrumentation.Metrics
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewDrive validates cfg, builds the token provider and graph client, and
// starts the I/O pool.
func NewDrive(cfg Config) (*Drive, error) {
	if err := cfg.Bucket.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrInvalidArgument, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tokens := cfg.TokenSource
	if tokens == nil {
		opts := []graph.ProviderOption{graph.WithProviderMetrics(cfg.Metrics)}

		if cfg.TokenURL != "" {
			opts = append(opts, graph.WithTokenURL(cfg.TokenURL))
		}

		if cfg.HTTPClient != nil {
			opts = append(opts, graph.WithTokenHTTPClient(cfg.HTTPClient))
		}

		if cfg.TokenCache != nil {
			opts = append(opts, graph.WithTokenCache(cfg.TokenCache))
		}

		tp, err := graph.NewTokenProvider(cfg.Credentials, logger, opts...)
		if err != nil {
			return nil, err
		}

		tokens = tp
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = graph.DefaultBaseURL
	}

	client := graph.NewClient(baseURL, cfg.HTTPClient, tokens, logger,
		graph.WithMetrics(cfg.Metrics),
		graph.WithUserAgent(cfg.UserAgent),
	)

	opts := cfg.Options.withDefaults()

	pool := NewIOPool(opts.IOWorkers, logger)
	pool.Start(context.Background())

	d := &Drive{
		client:   client,
		bucket:   cfg.Bucket,
		opts:     opts,
		pool:     pool,
		sessions: cfg.SessionStore,
		metrics:  cfg.Metrics,
		logger:   logger,
	}

	limiter := NewBandwidthLimiter(opts.BandwidthLimit, logger)
	d.uploader = NewUploader(client, pool, opts.MultipartPartSize, limiter, cfg.Metrics, logger)

	logger.Debug("drive opened",
		slog.String("bucket", cfg.Bucket.String()),
		slog.Int("max_concurrent_tasks", opts.MaxConcurrentTasks),
		slog.Int64("part_size", opts.MultipartPartSize),
		slog.Int("io_workers", opts.IOWorkers),
	)

	return d, nil
}

// Client returns the underlying graph client for metadata calls.
func (d *Drive) Client() *graph.Client { return d.client }

// Bucket returns the drive this handle addresses.
func (d *Drive) Bucket() driveref.Bucket { return d.bucket }

// Ref pairs k with the drive's bucket.
func (d *Drive) Ref(k driveref.Key) driveref.Reference { return driveref.New(d.bucket, k) }

// Options returns the effective options.
func (d *Drive) Options() Options { return d.opts }

// Uploader returns the chunked upload engine.
func (d *Drive) Uploader() *Uploader { return d.uploader }

// NewQueue returns a transfer queue configured from the drive's options.
func (d *Drive) NewQueue(ctx context.Context) *Queue {
	return NewQueue(ctx, QueueOptions{
		MaxConcurrent: d.opts.MaxConcurrentTasks,
		CancelOnError: d.opts.CancelOnError,
	}, d.logger, d.metrics)
}

// Close stops the I/O pool. Further uploads fail with ErrPoolStopped.
func (d *Drive) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.pool.Stop()
	})

	return d.closeErr
}

// CopyFile uploads the file at localPath to dest, the full reference of the
// new item. With a session store configured, an interrupted earlier upload
// of the same unchanged file (same size and modification time) is resumed.
func (d *Drive) CopyFile(ctx context.Context, localPath string, dest driveref.Reference, progress ProgressFunc) (*graph.Item, error) {
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrInvalidArgument, err)
	}

	return d.copyDescriptor(ctx, FileDescriptor{LocalPath: localPath}, dest, progress)
}

func (d *Drive) copyDescriptor(ctx context.Context, fd FileDescriptor, dest driveref.Reference, progress ProgressFunc) (*graph.Item, error) {
	f, err := os.Open(fd.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrInvalidArgument, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrInvalidArgument, err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", graph.ErrInvalidArgument, fd.LocalPath)
	}

	props := graph.UploadProperties{
		Size:             info.Size(),
		ConflictBehavior: d.opts.ConflictBehavior,
		ModTime:          info.ModTime(),
	}

	if dest.Key.IsPath() {
		props.Name = path.Base(dest.Key.RelPath())
	}

	if item, ok, err := d.tryResume(ctx, f, fd.LocalPath, dest, props, progress); ok {
		return item, err
	}

	bucketKey, remoteKey := dest.Bucket.String(), dest.Key.String()

	up := d.uploader.NewUpload(dest, f, props, progress).OnSession(func(s *graph.UploadSession) {
		if d.sessions == nil {
			return
		}

		if err := d.sessions.Save(bucketKey, remoteKey, &SessionRecord{
			LocalPath:  fd.LocalPath,
			SessionURL: s.UploadURL,
			FileSize:   props.Size,
			ModTime:    props.ModTime,
		}); err != nil {
			d.logger.Warn("failed to save upload session; resume will not work for this file",
				slog.String("path", fd.LocalPath),
				slog.String("error", err.Error()),
			)
		}
	})

	item, err := up.Start(ctx)
	if err != nil {
		// The session record stays so a later run can resume.
		return nil, fmt.Errorf("uploading %s: %w", fd.LocalPath, err)
	}

	d.forgetSession(bucketKey, remoteKey)

	return item, nil
}

// tryResume continues a stored session for dest when one matches the file.
// ok is false when the caller should start a fresh upload.
func (d *Drive) tryResume(
	ctx context.Context, f *os.File, localPath string, dest driveref.Reference,
	props graph.UploadProperties, progress ProgressFunc,
) (item *graph.Item, ok bool, err error) {
	if d.sessions == nil {
		return nil, false, nil
	}

	bucketKey, remoteKey := dest.Bucket.String(), dest.Key.String()

	rec, loadErr := d.sessions.Load(bucketKey, remoteKey)
	if loadErr != nil {
		d.logger.Warn("failed to load upload session",
			slog.String("path", localPath),
			slog.String("error", loadErr.Error()),
		)

		return nil, false, nil
	}

	if rec == nil {
		return nil, false, nil
	}

	if !rec.Matches(props.Size, props.ModTime) {
		d.logger.Info("local file changed since the stored session, starting fresh",
			slog.String("path", localPath),
		)
		d.discardSession(ctx, rec.SessionURL, bucketKey, remoteKey)

		return nil, false, nil
	}

	up := d.uploader.NewUpload(dest, f, props, progress)

	item, err = up.Resume(ctx, &graph.UploadSession{UploadURL: rec.SessionURL})
	if err == nil {
		d.forgetSession(bucketKey, remoteKey)
		return item, true, nil
	}

	if IsCancelled(err) {
		return nil, true, fmt.Errorf("resuming %s: %w", localPath, err)
	}

	d.logger.Info("stored upload session not resumable, starting fresh",
		slog.String("path", localPath),
		slog.String("error", err.Error()),
	)
	d.discardSession(ctx, rec.SessionURL, bucketKey, remoteKey)

	return nil, false, nil
}

// CancelStoredUpload deletes the server session recorded for dest and
// forgets it. It returns false when nothing was stored.
func (d *Drive) CancelStoredUpload(ctx context.Context, dest driveref.Reference) (bool, error) {
	if d.sessions == nil {
		return false, nil
	}

	bucketKey, remoteKey := dest.Bucket.String(), dest.Key.String()

	rec, err := d.sessions.Load(bucketKey, remoteKey)
	if err != nil && !errors.Is(err, ErrCorruptSession) {
		return false, err
	}

	if rec == nil {
		return false, nil
	}

	if err := d.client.CancelUploadSession(ctx, rec.SessionURL); err != nil && !errors.Is(err, graph.ErrNotFound) {
		return false, err
	}

	d.forgetSession(bucketKey, remoteKey)

	return true, nil
}

// discardSession deletes an abandoned server session, best effort, then
// forgets its record. A session the server already dropped is not an error.
func (d *Drive) discardSession(ctx context.Context, sessionURL, bucketKey, remoteKey string) {
	err := d.client.CancelUploadSession(context.WithoutCancel(ctx), sessionURL)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		d.logger.Warn("failed to delete abandoned upload session",
			slog.String("remote_key", remoteKey),
			slog.String("error", err.Error()),
		)
	}

	d.forgetSession(bucketKey, remoteKey)
}

func (d *Drive) forgetSession(bucketKey, remoteKey string) {
	if d.sessions == nil {
		return
	}

	if err := d.sessions.Delete(bucketKey, remoteKey); err != nil {
		d.logger.Warn("failed to delete session file",
			slog.String("remote_key", remoteKey),
			slog.String("error", err.Error()),
		)
	}
}
