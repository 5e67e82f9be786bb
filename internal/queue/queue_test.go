package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitStarted(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case name := <-ch:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not start")
		return ""
	}
}

func waitHandle(t *testing.T, h *Handle) (*media.UploadResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return res, err
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestSaturatedQueueKeepsExtraTaskPending(t *testing.T) {
	svc := media.NewFake()
	svc.Block = make(chan struct{})
	svc.Started = make(chan string, 3)
	q := New(svc, Config{Enabled: true, MaxConcurrentUploads: 2})

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := q.Add(Request{Filename: fmt.Sprintf("file-%d.jpg", i), Data: make([]byte, 1024)})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	waitStarted(t, svc.Started)
	waitStarted(t, svc.Started)

	active, pending := q.Counts()
	assert.Equal(t, 2, active)
	assert.Equal(t, 1, pending)

	snap, err := q.Status(handles[2].ID())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)

	all := q.All()
	require.Len(t, all, 3)
	assert.Equal(t, handles[2].ID(), all[0].ID)

	close(svc.Block)
	for _, h := range handles {
		_, err := waitHandle(t, h)
		require.NoError(t, err)
	}
	closeQueue(t, q)
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	svc := media.NewFake()
	svc.Block = make(chan struct{})
	svc.Started = make(chan string, 10)
	q := New(svc, Config{Enabled: true, MaxConcurrentUploads: 3})

	var handles []*Handle
	for i := 0; i < 10; i++ {
		h, err := q.Add(Request{Filename: fmt.Sprintf("f%d.png", i), Data: []byte("payload")})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for i := 0; i < 3; i++ {
		waitStarted(t, svc.Started)
	}
	assert.Equal(t, 3, svc.InFlight())

	close(svc.Block)
	for _, h := range handles {
		_, err := waitHandle(t, h)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, svc.MaxInFlight(), 3)
	assert.Len(t, svc.Uploads(), 10)
	closeQueue(t, q)
}

func TestAdmissionIsFIFO(t *testing.T) {
	svc := media.NewFake()
	svc.Started = make(chan string, 5)
	q := New(svc, Config{Enabled: true, MaxConcurrentUploads: 1})

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := q.Add(Request{Filename: fmt.Sprintf("%d.jpg", i), Data: []byte("x")})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := waitHandle(t, h)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("%d.jpg", i), waitStarted(t, svc.Started))
	}
	closeQueue(t, q)
}

func TestChooseStrategy(t *testing.T) {
	const mb = int64(1) << 20
	tests := []struct {
		name string
		cfg  Config
		size int64
		want Strategy
	}{
		{"50MB direct", DefaultConfig(), 50 * mb, StrategyDirect},
		{"150MB chunked", DefaultConfig(), 150 * mb, StrategyChunked},
		{"exactly threshold direct", DefaultConfig(), 100 * mb, StrategyDirect},
		{"chunking disabled", Config{LargeFileThresholdMB: 100}, 150 * mb, StrategyDirect},
		{"custom threshold", Config{LargeFileThresholdMB: 10, EnableChunkedUploads: true}, 11 * mb, StrategyChunked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseStrategy(tt.cfg, tt.size))
		})
	}
	assert.Equal(t, 20*mb, ChunkSize(DefaultConfig()))
}

func TestLargeFileUsesChunkedUpload(t *testing.T) {
	svc := media.NewFake()
	q := New(svc, DefaultConfig())

	var mu sync.Mutex
	var progress []int
	h, err := q.Add(Request{
		Filename: "movie.mp4",
		Data:     bytes.Repeat([]byte("v"), 64*1024),
		Size:     150 << 20,
		Options:  media.UploadOptions{ResourceType: media.ResourceVideo},
		OnProgress: func(pct int) {
			mu.Lock()
			progress = append(progress, pct)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	_, err = waitHandle(t, h)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.LargeUploads())
	uploads := svc.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, int64(20<<20), uploads[0].ChunkSize)

	snap, err := q.Status(h.ID())
	require.NoError(t, err)
	assert.Equal(t, StrategyChunked, snap.Strategy)
	assert.Equal(t, StatusCompleted, snap.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	for _, p := range progress[:len(progress)-1] {
		assert.LessOrEqual(t, p, 90)
	}
	closeQueue(t, q)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) request(name string, size int) Request {
	return Request{
		Filename:   name,
		Data:       bytes.Repeat([]byte("a"), size),
		OnProgress: func(pct int) { r.add(fmt.Sprintf("progress:%d", pct)) },
		OnComplete: func(*media.UploadResult) { r.add("complete") },
		OnError:    func(error) { r.add("error") },
	}
}

func TestExactlyOneTerminalCallback(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := media.NewFake()
		q := New(svc, DefaultConfig())
		rec := &recorder{}

		h, err := q.Add(rec.request("a.jpg", 20*1024))
		require.NoError(t, err)
		res, err := waitHandle(t, h)
		require.NoError(t, err)
		assert.Equal(t, "a", res.PublicID)
		closeQueue(t, q)

		events := rec.snapshot()
		require.NotEmpty(t, events)
		assert.Equal(t, "complete", events[len(events)-1])
		assert.Equal(t, "progress:100", events[len(events)-2])
		terminal := 0
		last := -1
		for _, e := range events {
			var pct int
			if _, err := fmt.Sscanf(e, "progress:%d", &pct); err == nil {
				assert.Greater(t, pct, last)
				last = pct
				continue
			}
			terminal++
		}
		assert.Equal(t, 1, terminal)
	})

	t.Run("failure", func(t *testing.T) {
		svc := media.NewFake()
		svc.UploadErr = errors.New("connection reset")
		q := New(svc, DefaultConfig())
		rec := &recorder{}

		h, err := q.Add(rec.request("b.jpg", 8*1024))
		require.NoError(t, err)
		_, err = waitHandle(t, h)
		require.EqualError(t, err, "connection reset")
		closeQueue(t, q)

		events := rec.snapshot()
		assert.Equal(t, "error", events[len(events)-1])
		assert.NotContains(t, events, "complete")

		snap, err := q.Status(h.ID())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, snap.Status)
		assert.Equal(t, "connection reset", snap.Error)
	})
}

func TestPayloadTooLargeIsRemapped(t *testing.T) {
	svc := media.NewFake()
	svc.UploadErr = &media.APIError{Status: 413, Message: "File size too large. Got 300000000."}
	q := New(svc, DefaultConfig())

	h, err := q.Add(Request{Filename: "huge.mov", Data: []byte("x"), Size: 300 << 20})
	require.NoError(t, err)
	_, err = waitHandle(t, h)

	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.ErrorIs(t, err, media.ErrPayloadTooLarge)
	closeQueue(t, q)
}

func TestCancel(t *testing.T) {
	svc := media.NewFake()
	svc.Block = make(chan struct{})
	svc.Started = make(chan string, 2)
	q := New(svc, Config{Enabled: true, MaxConcurrentUploads: 1})

	first, err := q.Add(Request{Filename: "first.jpg", Data: []byte("1")})
	require.NoError(t, err)
	rec := &recorder{}
	second, err := q.Add(rec.request("second.jpg", 16))
	require.NoError(t, err)
	waitStarted(t, svc.Started)

	require.NoError(t, q.Cancel(second.ID()))
	_, err = waitHandle(t, second)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Empty(t, rec.snapshot())

	assert.ErrorIs(t, q.Cancel(first.ID()), ErrNotCancellable)
	assert.ErrorIs(t, q.Cancel("missing"), ErrTaskNotFound)
	_, err = q.Status(second.ID())
	assert.ErrorIs(t, err, ErrTaskNotFound)

	close(svc.Block)
	_, err = waitHandle(t, first)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(first.ID()), ErrNotCancellable)
	assert.Len(t, svc.Uploads(), 1)
	closeQueue(t, q)
}

func TestCloseFailsPendingAndAbortsInFlight(t *testing.T) {
	svc := media.NewFake()
	svc.Block = make(chan struct{})
	svc.Started = make(chan string, 1)
	q := New(svc, Config{Enabled: true, MaxConcurrentUploads: 1})

	running, err := q.Add(Request{Filename: "run.jpg", Data: []byte("1")})
	require.NoError(t, err)
	rec := &recorder{}
	waiting, err := q.Add(rec.request("wait.jpg", 4))
	require.NoError(t, err)
	waitStarted(t, svc.Started)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	_, err = waitHandle(t, waiting)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, []string{"error"}, rec.snapshot())

	_, err = waitHandle(t, running)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = q.Add(Request{Filename: "late.jpg"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRegistry(t *testing.T) {
	svc := media.NewFake()
	r := NewRegistry(svc)

	a := r.Get("media", &Config{Enabled: true, MaxConcurrentUploads: 5})
	again := r.Get("media", &Config{Enabled: true, MaxConcurrentUploads: 1})
	assert.Same(t, a, again)
	assert.Equal(t, 5, again.Config().MaxConcurrentUploads)

	b := r.Get("videos", nil)
	assert.NotSame(t, a, b)
	assert.Equal(t, DefaultMaxConcurrentUploads, b.Config().MaxConcurrentUploads)
	assert.Len(t, r.All(), 2)

	ctx := context.Background()
	require.NoError(t, r.Remove(ctx, "media"))
	_, ok := r.Lookup("media")
	assert.False(t, ok)
	assert.NotSame(t, a, r.Get("media", nil))
	require.NoError(t, r.Remove(ctx, "unknown"))

	require.NoError(t, r.Close(ctx))
	assert.Empty(t, r.All())
}
