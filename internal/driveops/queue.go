package driveops

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tonimelisma/graphdrive/internal/instrumentation"
)

// DefaultMaxConcurrentTasks bounds parallel file transfers when none is
// configured.
const DefaultMaxConcurrentTasks = 4

// Task is one unit of queued work, typically a single file upload.
type Task func(ctx context.Context) error

// QueueOptions configure a Queue.
type QueueOptions struct {
	MaxConcurrent int  // < 1 means DefaultMaxConcurrentTasks
	CancelOnError bool // first failure drops pending tasks
}

// QueueStats counts task outcomes. Failed includes the first error;
// DroppedErrors counts only the errors after it, which are logged but not
// returned. Skipped counts tasks dropped before they started.
type QueueStats struct {
	Submitted     int
	Succeeded     int
	Failed        int
	DroppedErrors int
	Skipped       int
}

// Queue runs submitted tasks with bounded concurrency in FIFO order. Every
// piece of scheduling state is guarded by mu; cond is broadcast whenever a
// task settles or the queue changes mode.
type Queue struct {
	maxConcurrent int
	cancelOnError bool
	logger        *slog.Logger
	metrics       *instrumentation.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Task
	running  int
	closed   bool // no new submissions
	halted   bool // no further scheduling
	firstErr error
	stats    QueueStats
}

// NewQueue creates a queue whose tasks receive a context derived from ctx.
// logger and metrics may be nil.
func NewQueue(ctx context.Context, opts QueueOptions, logger *slog.Logger, metrics *instrumentation.Metrics) *Queue {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrentTasks
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	q := &Queue{
		maxConcurrent: opts.MaxConcurrent,
		cancelOnError: opts.CancelOnError,
		logger:        logger,
		metrics:       metrics,
	}

	q.ctx, q.cancel = context.WithCancel(ctx)
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Submit queues task. It returns ErrQueueClosed after Flush or Cancel, and
// after a failure halted a cancel-on-error queue.
func (q *Queue) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("driveops: nil task")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.halted {
		return ErrQueueClosed
	}

	q.pending = append(q.pending, task)
	q.stats.Submitted++
	q.dispatchLocked()

	return nil
}

// Wait blocks until every submitted task has settled or been dropped and
// returns the first error. The queue stays open.
func (q *Queue) Wait() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.awaitIdleLocked()

	return q.firstErr
}

// Flush closes the queue to new submissions, then waits for every task
// already submitted to settle. It returns the first error.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.awaitIdleLocked()
	q.cancel()

	return q.firstErr
}

// Cancel closes the queue, drops tasks that have not started, cancels the
// context of running tasks and waits for them to return.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.halted = true
	q.dropPendingLocked()
	q.cancel()
	q.awaitIdleLocked()
}

// Stats returns a snapshot of the outcome counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.stats
}

func (q *Queue) awaitIdleLocked() {
	for q.running > 0 || len(q.pending) > 0 {
		q.cond.Wait()
	}
}

// dispatchLocked starts pending tasks in FIFO order up to the limit.
func (q *Queue) dispatchLocked() {
	for !q.halted && q.running < q.maxConcurrent && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running++

		go q.run(task)
	}
}

func (q *Queue) dropPendingLocked() {
	if n := len(q.pending); n > 0 {
		q.stats.Skipped += n

		for range n {
			q.metrics.RecordTransferTask(q.ctx, instrumentation.ResultSkipped)
		}

		q.logger.Debug("dropping pending tasks", slog.Int("count", n))
	}

	q.pending = nil
}

func (q *Queue) run(task Task) {
	err := runTask(q.ctx, task)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.running--
	q.settleLocked(err)
	q.dispatchLocked()
	q.cond.Broadcast()
}

func (q *Queue) settleLocked(err error) {
	if err == nil {
		q.stats.Succeeded++
		q.metrics.RecordTransferTask(q.ctx, instrumentation.ResultSuccess)

		return
	}

	q.stats.Failed++

	if q.firstErr == nil {
		q.firstErr = err
		q.metrics.RecordTransferTask(q.ctx, instrumentation.ResultError)

		if q.cancelOnError {
			q.halted = true
			q.dropPendingLocked()
		}

		return
	}

	q.stats.DroppedErrors++
	q.metrics.RecordTransferTask(q.ctx, instrumentation.ResultDroppedError)
	q.logger.Warn("transfer task failed after an earlier error",
		slog.String("error", err.Error()),
	)
}

// runTask converts a panicking task into an error.
func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driveops: task panicked: %v", r)
		}
	}()

	return task(ctx)
}
