package driveops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/graphdrive/internal/driveref"
	"github.com/tonimelisma/graphdrive/internal/graph"
)

const fakeUploadURL = "https://upload.example/session/1"

// fakeSessions is an in-memory SessionUploader that records every call.
type fakeSessions struct {
	mu sync.Mutex

	created   []graph.UploadProperties
	ranges    []graph.ByteRange
	data      bytes.Buffer
	completed int
	cancelled int

	nextExpected []string // returned by QueryUploadSession
	failAtChunk  int      // 1-based; 0 = never
	createErr    error
}

func (f *fakeSessions) CreateUploadSession(_ context.Context, _ driveref.Reference, props graph.UploadProperties) (*graph.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.created = append(f.created, props)

	return &graph.UploadSession{UploadURL: fakeUploadURL, NextExpectedRanges: []string{"0-"}}, nil
}

func (f *fakeSessions) UploadChunk(_ context.Context, _ string, chunk []byte, rng graph.ByteRange, total int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAtChunk > 0 && len(f.ranges)+1 == f.failAtChunk {
		return nil, &graph.HTTPError{StatusCode: 500, Err: graph.ErrServerError}
	}

	f.ranges = append(f.ranges, rng)
	f.data.Write(chunk)

	if rng.Upper+1 == total {
		return nil, nil
	}

	return []string{fmt.Sprintf("%d-", rng.Upper+1)}, nil
}

func (f *fakeSessions) QueryUploadSession(_ context.Context, uploadURL string) (*graph.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &graph.UploadSession{UploadURL: uploadURL, NextExpectedRanges: f.nextExpected}, nil
}

func (f *fakeSessions) CompleteUploadSession(context.Context, string) (*graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completed++

	return &graph.Item{ID: "done", Size: int64(f.data.Len())}, nil
}

func (f *fakeSessions) CancelUploadSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled++

	return nil
}

func newTestUploader(t *testing.T, api SessionUploader, partSize int64) *Uploader {
	t.Helper()

	pool := NewIOPool(2, nil)
	pool.Start(context.Background())
	t.Cleanup(func() { _ = pool.Stop() })

	return NewUploader(api, pool, partSize, nil, nil, nil)
}

var testRef = driveref.New(driveref.Me(), driveref.Path("docs/file.bin"))

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

func TestUpload_RangesCoverFileExactlyOnce(t *testing.T) {
	for _, size := range []int{1, 2, 5, 7, 10, 1000} {
		for _, part := range []int64{1, 3, 4, 10, 1024} {
			t.Run(fmt.Sprintf("n=%d/c=%d", size, part), func(t *testing.T) {
				api := &fakeSessions{}
				u := newTestUploader(t, api, part)
				content := payload(size)

				item, err := u.NewUpload(testRef, bytes.NewReader(content), graph.UploadProperties{Size: int64(size)}, nil).
					Start(context.Background())
				require.NoError(t, err)
				assert.Equal(t, "done", item.ID)

				var next int64

				for _, r := range api.ranges {
					assert.Equal(t, next, r.Lower, "ranges must be contiguous")
					assert.LessOrEqual(t, r.Len(), part)
					assert.LessOrEqual(t, r.Lower, r.Upper)
					next = r.Upper + 1
				}

				assert.Equal(t, int64(size), next)
				assert.Equal(t, content, api.data.Bytes())
				assert.Equal(t, 1, api.completed)
			})
		}
	}
}

func TestUpload_ZeroByteFileSendsNoChunks(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(nil), graph.UploadProperties{Size: 0}, nil)

	_, err := up.Start(context.Background())
	require.NoError(t, err)
	assert.Empty(t, api.ranges)
	assert.Equal(t, 1, api.completed)
	assert.Equal(t, StateDone, up.State())
}

func TestUpload_ResumeStartsAtExpectedOffset(t *testing.T) {
	const size = 5242880

	api := &fakeSessions{nextExpected: []string{"1048576-"}}
	u := newTestUploader(t, api, 1048576)

	up := u.NewUpload(testRef, bytes.NewReader(payload(size)), graph.UploadProperties{Size: size}, nil)

	_, err := up.Resume(context.Background(), &graph.UploadSession{UploadURL: fakeUploadURL})
	require.NoError(t, err)

	require.Len(t, api.ranges, 4)
	assert.Equal(t, int64(1048576), api.ranges[0].Lower)
	assert.Equal(t, int64(size-1), api.ranges[3].Upper)
	assert.Empty(t, api.created, "resume must not create a new session")
}

func TestUpload_ResumeWithoutRangesIsProtocolError(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(payload(10)), graph.UploadProperties{Size: 10}, nil)

	_, err := up.Resume(context.Background(), &graph.UploadSession{UploadURL: fakeUploadURL})

	var rpe *RangeProtocolError
	require.ErrorAs(t, err, &rpe)
	assert.Equal(t, StateFailed, up.State())
	assert.Zero(t, api.completed)
}

func TestParseResumeOffset(t *testing.T) {
	tests := []struct {
		name    string
		ranges  []string
		want    int64
		wantErr bool
	}{
		{"open", []string{"1048576-"}, 1048576, false},
		{"closed", []string{"12-40", "50-"}, 12, false},
		{"zero", []string{"0-"}, 0, false},
		{"empty", nil, 0, true},
		{"garbage", []string{"abc"}, 0, true},
		{"no number", []string{"-5"}, 0, true},
		{"inverted", []string{"9-3"}, 0, true},
		{"past end", []string{"100-"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResumeOffset(tt.ranges, 100)
			if tt.wantErr {
				var rpe *RangeProtocolError
				assert.ErrorAs(t, err, &rpe)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpload_CancelBetweenChunks(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	var up *Upload

	up = u.NewUpload(testRef, bytes.NewReader(payload(40)), graph.UploadProperties{Size: 40}, func(sent, _ int64) {
		if sent == 4 {
			assert.NoError(t, up.Cancel(context.Background()))
		}
	})

	_, err := up.Start(context.Background())
	require.ErrorIs(t, err, ErrUploadCancelled)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, StateCancelled, up.State())
	assert.Len(t, api.ranges, 1)
	assert.Equal(t, 1, api.cancelled, "cancel deletes the session")
	assert.Zero(t, api.completed)
}

// blockingCreate holds CreateUploadSession until release is closed.
type blockingCreate struct {
	*fakeSessions
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCreate) CreateUploadSession(ctx context.Context, ref driveref.Reference, props graph.UploadProperties) (*graph.UploadSession, error) {
	close(b.entered)
	<-b.release

	return b.fakeSessions.CreateUploadSession(ctx, ref, props)
}

func TestUpload_CancelDuringCreateDeletesSession(t *testing.T) {
	api := &blockingCreate{fakeSessions: &fakeSessions{}, entered: make(chan struct{}), release: make(chan struct{})}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(payload(12)), graph.UploadProperties{Size: 12}, nil)

	done := make(chan error, 1)

	go func() {
		_, err := up.Start(context.Background())
		done <- err
	}()

	<-api.entered
	require.NoError(t, up.Cancel(context.Background()))

	api.mu.Lock()
	assert.Zero(t, api.cancelled, "no session to delete yet")
	api.mu.Unlock()

	close(api.release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrUploadCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start still running 2s after cancel")
	}

	assert.Equal(t, StateCancelled, up.State())
	assert.Equal(t, 1, api.cancelled, "session created after cancel is deleted once")
	assert.Empty(t, api.ranges)
	assert.Zero(t, api.completed)
}

func TestUpload_CancelBeforeResumeDeletesSession(t *testing.T) {
	api := &fakeSessions{nextExpected: []string{"4-"}}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(payload(12)), graph.UploadProperties{Size: 12}, nil)
	require.NoError(t, up.Cancel(context.Background()))

	_, err := up.Resume(context.Background(), &graph.UploadSession{UploadURL: fakeUploadURL})
	require.ErrorIs(t, err, ErrUploadCancelled)
	assert.Equal(t, StateCancelled, up.State())
	assert.Equal(t, 1, api.cancelled)
	assert.Empty(t, api.ranges)
}

func TestUpload_ShrunkFileIsNotCommitted(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	// The file was 8 bytes when stat'ed and 5 when read.
	up := u.NewUpload(testRef, bytes.NewReader(payload(5)), graph.UploadProperties{Size: 8}, nil)

	_, err := up.Start(context.Background())
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
	assert.Equal(t, StateFailed, up.State())
	assert.Equal(t, payload(5), api.data.Bytes())
	assert.Zero(t, api.completed)
}

func TestUpload_ContextCancelStopsLoop(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	up := u.NewUpload(testRef, bytes.NewReader(payload(40)), graph.UploadProperties{Size: 40}, func(sent, _ int64) {
		if sent == 8 {
			cancel()
		}
	})

	_, err := up.Start(ctx)
	require.ErrorIs(t, err, ErrUploadCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, up.State())
	assert.Len(t, api.ranges, 2)
	assert.Zero(t, api.cancelled, "context cancellation keeps the session for resume")
}

func TestUpload_ChunkFailure(t *testing.T) {
	api := &fakeSessions{failAtChunk: 2}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(payload(12)), graph.UploadProperties{Size: 12}, nil)

	_, err := up.Start(context.Background())
	require.ErrorIs(t, err, graph.ErrServerError)
	assert.Equal(t, StateFailed, up.State())
	assert.Len(t, api.ranges, 1)
}

func TestUpload_CreateFailure(t *testing.T) {
	api := &fakeSessions{createErr: &graph.HTTPError{StatusCode: 403, Err: graph.ErrForbidden}}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(payload(12)), graph.UploadProperties{Size: 12}, nil)

	_, err := up.Start(context.Background())
	require.ErrorIs(t, err, graph.ErrForbidden)
	assert.Equal(t, StateFailed, up.State())
	assert.Nil(t, up.Session())
}

func TestUpload_StartTwiceRejected(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	up := u.NewUpload(testRef, bytes.NewReader(payload(3)), graph.UploadProperties{Size: 3}, nil)

	_, err := up.Start(context.Background())
	require.NoError(t, err)

	_, err = up.Start(context.Background())
	assert.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestUpload_OnSessionRunsBeforeFirstChunk(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	var chunksAtHook = -1

	up := u.NewUpload(testRef, bytes.NewReader(payload(9)), graph.UploadProperties{Size: 9}, nil).
		OnSession(func(s *graph.UploadSession) {
			assert.Equal(t, fakeUploadURL, s.UploadURL)
			chunksAtHook = len(api.ranges)
		})

	_, err := up.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, chunksAtHook)
}

func TestUpload_ProgressReportsEveryChunk(t *testing.T) {
	api := &fakeSessions{}
	u := newTestUploader(t, api, 4)

	ch := make(chan Progress, 16)

	_, err := u.NewUpload(testRef, bytes.NewReader(payload(10)), graph.UploadProperties{Size: 10}, ProgressChannel(ch)).
		Start(context.Background())
	require.NoError(t, err)
	close(ch)

	var got []int64
	for p := range ch {
		assert.Equal(t, int64(10), p.Total)
		got = append(got, p.Sent)
	}

	assert.Equal(t, []int64{4, 8, 10}, got)
}

func TestProgressChannel_NeverBlocks(t *testing.T) {
	ch := make(chan Progress) // no reader

	done := make(chan struct{})

	go func() {
		ProgressChannel(ch)(1, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ProgressChannel blocked on a full channel")
	}
}

func TestUpload_PoolStoppedFails(t *testing.T) {
	pool := NewIOPool(1, nil)
	u := NewUploader(&fakeSessions{}, pool, 4, nil, nil, nil)

	_, err := u.NewUpload(testRef, bytes.NewReader(payload(3)), graph.UploadProperties{Size: 3}, nil).
		Start(context.Background())
	assert.True(t, errors.Is(err, ErrPoolStopped))
}

func TestBandwidthLimiter(t *testing.T) {
	var nilLimiter *BandwidthLimiter
	require.NoError(t, nilLimiter.Wait(context.Background(), 1<<20))

	assert.Nil(t, NewBandwidthLimiter(0, nil))

	bl := NewBandwidthLimiter(1000, nil)
	require.NotNil(t, bl)

	// Within the burst: no wait.
	require.NoError(t, bl.Wait(context.Background(), 1500))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, bl.Wait(ctx, 1500))
}

func TestUploadState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "completing", StateCompleting.String())
	assert.Equal(t, "unknown", UploadState(99).String())
}
