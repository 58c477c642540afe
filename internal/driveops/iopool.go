package driveops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultIOWorkers is the pool size when none is configured.
const DefaultIOWorkers = 4

type ioJob struct {
	fn     func() error
	result chan error
}

// IOPool runs local file reads on a fixed set of goroutines so the number
// of concurrent disk reads stays bounded no matter how many uploads run.
// It must be started before use and stopped when the owner is closed.
type IOPool struct {
	workers int
	logger  *slog.Logger

	jobs chan ioJob

	mu      sync.Mutex
	g       *errgroup.Group
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// NewIOPool creates a pool of workers goroutines. It does not start them.
func NewIOPool(workers int, logger *slog.Logger) *IOPool {
	if workers < 1 {
		workers = DefaultIOWorkers
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &IOPool{
		workers: workers,
		logger:  logger,
		jobs:    make(chan ioJob),
	}
}

// Start spawns the workers. Calling Start on a running pool is a no-op.
func (p *IOPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.g, ctx = errgroup.WithContext(ctx)
	p.stopped = make(chan struct{})
	p.running = true

	for range p.workers {
		p.g.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}

	p.logger.Debug("io pool started", slog.Int("workers", p.workers))
}

// Stop ends the workers and waits for them to exit. Jobs already handed to
// a worker finish first. Calling Stop on a stopped pool is a no-op.
func (p *IOPool) Stop() error {
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopped)
	p.cancel()
	g := p.g
	p.mu.Unlock()

	err := g.Wait()

	p.logger.Debug("io pool stopped")

	return err
}

func (p *IOPool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			job.result <- runJob(job.fn)
		}
	}
}

func runJob(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driveops: io job panicked: %v", r)
		}
	}()

	return fn()
}

// Do runs fn on a pool worker and returns its error. It fails with
// ErrPoolStopped if the pool is not running and with ctx.Err() if ctx ends
// before a worker picks the job up. Once picked up, fn runs to completion.
func (p *IOPool) Do(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	running, stopped := p.running, p.stopped
	p.mu.Unlock()

	if !running {
		return ErrPoolStopped
	}

	job := ioJob{fn: fn, result: make(chan error, 1)}

	select {
	case p.jobs <- job:
	case <-stopped:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-job.result
}

// ReadAt fills buf from r at off on a pool worker. A short read at end of
// file is not an error; the returned count is what was read.
func (p *IOPool) ReadAt(ctx context.Context, r io.ReaderAt, buf []byte, off int64) (int, error) {
	var n int

	err := p.Do(ctx, func() error {
		var readErr error

		n, readErr = r.ReadAt(buf, off)
		if errors.Is(readErr, io.EOF) {
			return nil
		}

		return readErr
	})

	return n, err
}
