package driveops

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tonimelisma/graphdrive/internal/instrumentation"
)

func TestQueue_BoundsConcurrency(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 2}, nil, nil)

	var (
		current atomic.Int32
		peak    atomic.Int32
		ran     atomic.Int32
	)

	for range 8 {
		require.NoError(t, q.Submit(func(context.Context) error {
			n := current.Add(1)

			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			ran.Add(1)

			return nil
		}))
	}

	require.NoError(t, q.Wait())
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, int32(8), ran.Load())
	assert.Equal(t, 8, q.Stats().Succeeded)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 1}, nil, nil)

	var (
		mu    sync.Mutex
		order []int
	)

	for i := range 5 {
		require.NoError(t, q.Submit(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			return nil
		}))
	}

	require.NoError(t, q.Flush())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_CancelOnErrorDropsPending(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 1, CancelOnError: true}, nil, nil)

	release := make(chan struct{})
	boom := errors.New("boom")

	var ran atomic.Int32

	require.NoError(t, q.Submit(func(context.Context) error {
		<-release
		return boom
	}))

	for range 3 {
		require.NoError(t, q.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	close(release)

	err := q.Wait()
	require.ErrorIs(t, err, boom)
	assert.Zero(t, ran.Load())

	stats := q.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Skipped)

	assert.ErrorIs(t, q.Submit(func(context.Context) error { return nil }), ErrQueueClosed)
}

func TestQueue_ContinueOnErrorRunsEverything(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 1, CancelOnError: false}, nil, nil)

	first := errors.New("first")
	second := errors.New("second")

	var ran atomic.Int32

	tasks := []Task{
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return first },
		func(context.Context) error { ran.Add(1); return second },
		func(context.Context) error { ran.Add(1); return nil },
	}

	for _, task := range tasks {
		require.NoError(t, q.Submit(task))
	}

	err := q.Wait()
	require.ErrorIs(t, err, first)
	assert.NotErrorIs(t, err, second)
	assert.Equal(t, int32(4), ran.Load())

	stats := q.Stats()
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.DroppedErrors)
}

func TestQueue_CancelDropsPendingAndWaitsForRunning(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 1}, nil, nil)

	started := make(chan struct{})

	var (
		finished atomic.Bool
		ran      atomic.Int32
	)

	require.NoError(t, q.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)

		return ctx.Err()
	}))

	for range 3 {
		require.NoError(t, q.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	<-started
	q.Cancel()

	assert.True(t, finished.Load(), "Cancel returns only after running tasks settle")
	assert.Zero(t, ran.Load())
	assert.Equal(t, 3, q.Stats().Skipped)
	assert.ErrorIs(t, q.Submit(func(context.Context) error { return nil }), ErrQueueClosed)
}

func TestQueue_FlushDrainsThenCloses(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 2}, nil, nil)

	var ran atomic.Int32

	for range 6 {
		require.NoError(t, q.Submit(func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)

			return nil
		}))
	}

	require.NoError(t, q.Flush())
	assert.Equal(t, int32(6), ran.Load())
	assert.ErrorIs(t, q.Submit(func(context.Context) error { return nil }), ErrQueueClosed)
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{}, nil, nil)

	require.NoError(t, q.Submit(func(context.Context) error {
		panic("kaboom")
	}))

	err := q.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestQueue_WaitOnEmptyQueue(t *testing.T) {
	q := NewQueue(context.Background(), QueueOptions{}, nil, nil)
	assert.NoError(t, q.Wait())
	assert.Error(t, q.Submit(nil))
}

func TestQueue_RecordsTaskMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := instrumentation.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	q := NewQueue(context.Background(), QueueOptions{MaxConcurrent: 1}, nil, m)

	require.NoError(t, q.Submit(func(context.Context) error { return nil }))
	require.NoError(t, q.Submit(func(context.Context) error { return errors.New("a") }))
	require.NoError(t, q.Submit(func(context.Context) error { return errors.New("b") }))
	require.Error(t, q.Flush())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byResult := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "transfer_tasks_total" {
				continue
			}

			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					byResult[kv.Value.AsString()] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), byResult[instrumentation.ResultSuccess])
	assert.Equal(t, int64(1), byResult[instrumentation.ResultError])
	assert.Equal(t, int64(1), byResult[instrumentation.ResultDroppedError])
}
