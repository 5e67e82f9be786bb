// Package queue bounds concurrent outbound uploads per collection. Tasks wait in
// FIFO order until a slot frees up; each admitted task runs in its own goroutine
// and picks a direct or chunked transfer by size.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/metrics"
	"github.com/google/uuid"
)

var (
	ErrTaskNotFound   = errors.New("upload not found")
	ErrNotCancellable = errors.New("upload already started and cannot be cancelled")
	ErrCanceled       = errors.New("upload cancelled")
	ErrQueueClosed    = errors.New("upload queue closed")
	ErrFileTooLarge   = errors.New("file too large for your media service plan, consider upgrading for larger file support")
)

// finishedLimit bounds how many terminal tasks stay visible to Status.
const finishedLimit = 256

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request describes one upload. Callbacks are optional; for a given task they
// run in order (zero or more OnProgress, then exactly one of OnComplete/OnError)
// and never concurrently.
type Request struct {
	Filename string
	Data     []byte
	Size     int64 // Declared size; defaults to len(Data)
	Options  media.UploadOptions

	OnProgress func(pct int)
	OnComplete func(res *media.UploadResult)
	OnError    func(err error)
}

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Progress  int       `json:"progress"`
	Status    Status    `json:"status"`
	Strategy  Strategy  `json:"strategy,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Handle is the future for a submitted task.
type Handle struct {
	id   string
	done chan struct{}
	res  *media.UploadResult
	err  error
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the task reaches a terminal state or is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task settles or ctx is done. Abandoning the wait does
// not cancel the upload.
func (h *Handle) Wait(ctx context.Context) (*media.UploadResult, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	id         string
	filename   string
	size       int64
	opts       media.UploadOptions
	created    time.Time
	onProgress func(int)
	onComplete func(*media.UploadResult)
	onError    func(error)
	handle     *Handle

	mu       sync.Mutex
	data     []byte
	status   Status
	progress int
	strategy Strategy
	err      error

	// cbMu serializes callbacks; done and emitted are guarded by it.
	cbMu    sync.Mutex
	done    bool
	emitted int
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:        t.id,
		Filename:  t.filename,
		Size:      t.size,
		Progress:  t.progress,
		Status:    t.status,
		Strategy:  t.strategy,
		CreatedAt: t.created,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

// advance records and reports monotonically increasing progress until the task settles.
func (t *task) advance(pct int) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.done || pct <= t.emitted {
		return
	}
	t.emitted = pct
	t.mu.Lock()
	t.progress = pct
	t.mu.Unlock()
	if t.onProgress != nil {
		t.onProgress(pct)
	}
}

// settle moves the task to its terminal state exactly once. notify=false
// resolves the handle without callbacks (cancellation).
func (t *task) settle(res *media.UploadResult, err error, notify bool) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.done {
		return false
	}
	t.done = true

	t.mu.Lock()
	t.data = nil
	t.err = err
	if err != nil {
		t.status = StatusFailed
	} else {
		t.status = StatusCompleted
		t.progress = 100
	}
	t.mu.Unlock()

	if notify {
		if err != nil {
			if t.onError != nil {
				t.onError(err)
			}
		} else {
			if t.emitted < 100 && t.onProgress != nil {
				t.onProgress(100)
			}
			t.emitted = 100
			if t.onComplete != nil {
				t.onComplete(res)
			}
		}
	}

	t.handle.res, t.handle.err = res, err
	close(t.handle.done)
	return true
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for task lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics enables Prometheus reporting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithCollection labels logs and metrics with the owning collection.
func WithCollection(name string) Option {
	return func(q *Queue) { q.collection = name }
}

// Queue admits uploads in FIFO order while fewer than MaxConcurrentUploads are active.
type Queue struct {
	cfg        Config
	svc        media.Uploader
	logger     *slog.Logger
	metrics    *metrics.Metrics
	collection string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	pending       []*task
	active        map[string]*task
	finished      map[string]*task
	finishedOrder []string
	closed        bool
}

// New creates a queue that uploads through svc. Zero numeric config fields take defaults.
func New(svc media.Uploader, cfg Config, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg.WithDefaults(),
		svc:      svc,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*task),
		finished: make(map[string]*task),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "upload_queue", "collection", q.collection)
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Add enqueues req and runs admission. The returned handle settles when the
// task completes, fails, or is cancelled while pending.
func (q *Queue) Add(req Request) (*Handle, error) {
	size := req.Size
	if size <= 0 {
		size = int64(len(req.Data))
	}
	t := &task{
		id:         uuid.NewString(),
		filename:   req.Filename,
		data:       req.Data,
		size:       size,
		opts:       req.Options,
		created:    time.Now().UTC(),
		onProgress: req.OnProgress,
		onComplete: req.OnComplete,
		onError:    req.OnError,
		status:     StatusPending,
		emitted:    -1,
		handle:     &Handle{done: make(chan struct{})},
	}
	t.handle.id = t.id

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	q.logger.Debug("upload queued", "upload_id", t.id, "filename", t.filename, "size", t.size)
	q.admit()
	return t.handle, nil
}

// admit starts pending tasks, head first, while slots are free.
func (q *Queue) admit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 && len(q.active) < q.cfg.MaxConcurrentUploads && !q.closed {
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		strategy := ChooseStrategy(q.cfg, t.size)
		t.mu.Lock()
		t.status = StatusUploading
		t.strategy = strategy
		t.mu.Unlock()

		q.active[t.id] = t
		q.wg.Add(1)
		go q.run(t, strategy)
	}
	q.updateGauges()
}

func (q *Queue) run(t *task, strategy Strategy) {
	defer q.wg.Done()
	start := time.Now()
	t.advance(0)

	t.mu.Lock()
	data := t.data
	t.mu.Unlock()

	ceiling := 100
	if strategy == StrategyChunked {
		ceiling = 90
	}
	body := &progressReader{r: bytes.NewReader(data), total: int64(len(data)), ceiling: ceiling, report: t.advance}
	file := media.File{Name: t.filename, Body: body, Size: t.size}

	var res *media.UploadResult
	var err error
	switch strategy {
	case StrategyChunked:
		opts := t.opts
		opts.ChunkSize = ChunkSize(q.cfg)
		res, err = q.svc.UploadLarge(q.ctx, file, opts)
	default:
		res, err = q.svc.Upload(q.ctx, file, t.opts)
	}
	if err != nil {
		if media.IsPayloadTooLarge(err) {
			err = fmt.Errorf("%w: %w", ErrFileTooLarge, err)
		}
		q.logger.Warn("upload failed", "upload_id", t.id, "filename", t.filename, "strategy", strategy, "error", err)
	} else {
		q.logger.Info("upload completed", "upload_id", t.id, "filename", t.filename, "strategy", strategy, "public_id", res.PublicID)
	}

	if q.metrics != nil {
		q.metrics.UploadTotal.WithLabelValues(q.collection, string(strategy), metrics.Status(err)).Inc()
		q.metrics.UploadDuration.WithLabelValues(q.collection, string(strategy)).Observe(time.Since(start).Seconds())
	}
	q.finish(t, res, err)
}

// finish releases the slot, reports the terminal event and re-runs admission.
func (q *Queue) finish(t *task, res *media.UploadResult, err error) {
	q.mu.Lock()
	delete(q.active, t.id)
	q.remember(t)
	q.mu.Unlock()

	t.settle(res, err, true)
	q.admit()
}

// remember keeps a bounded history of terminal tasks. Caller holds q.mu.
func (q *Queue) remember(t *task) {
	q.finished[t.id] = t
	q.finishedOrder = append(q.finishedOrder, t.id)
	for len(q.finishedOrder) > finishedLimit {
		delete(q.finished, q.finishedOrder[0])
		q.finishedOrder = q.finishedOrder[1:]
	}
}

// Cancel removes a pending task without invoking its callbacks. Started or
// finished tasks return ErrNotCancellable; unknown ids return ErrTaskNotFound.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	for i, t := range q.pending {
		if t.id != id {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.updateGauges()
		q.mu.Unlock()
		t.settle(nil, ErrCanceled, false)
		q.logger.Info("upload cancelled", "upload_id", id)
		return nil
	}
	_, active := q.active[id]
	_, finished := q.finished[id]
	q.mu.Unlock()

	if active || finished {
		return ErrNotCancellable
	}
	return ErrTaskNotFound
}

// Status returns the task with the given id, whether pending, active or recently finished.
func (q *Queue) Status(id string) (Snapshot, error) {
	q.mu.Lock()
	t := q.find(id)
	q.mu.Unlock()
	if t == nil {
		return Snapshot{}, ErrTaskNotFound
	}
	return t.snapshot(), nil
}

func (q *Queue) find(id string) *task {
	if t, ok := q.active[id]; ok {
		return t
	}
	if t, ok := q.finished[id]; ok {
		return t
	}
	for _, t := range q.pending {
		if t.id == id {
			return t
		}
	}
	return nil
}

// All returns pending tasks in admission order followed by active tasks.
func (q *Queue) All() []Snapshot {
	q.mu.Lock()
	pending := append([]*task(nil), q.pending...)
	active := make([]*task, 0, len(q.active))
	for _, t := range q.active {
		active = append(active, t)
	}
	q.mu.Unlock()

	sort.Slice(active, func(i, j int) bool { return active[i].created.Before(active[j].created) })
	out := make([]Snapshot, 0, len(pending)+len(active))
	for _, t := range pending {
		out = append(out, t.snapshot())
	}
	for _, t := range active {
		out = append(out, t.snapshot())
	}
	return out
}

// Counts returns the number of active and pending tasks.
func (q *Queue) Counts() (active, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active), len(q.pending)
}

// Close stops admission, fails pending tasks with ErrQueueClosed and waits for
// in-flight uploads. If ctx ends first, in-flight uploads are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	for _, t := range pending {
		q.remember(t)
	}
	q.updateGauges()
	q.mu.Unlock()

	for _, t := range pending {
		t.settle(nil, ErrQueueClosed, true)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// updateGauges publishes queue depth. Caller holds q.mu.
func (q *Queue) updateGauges() {
	if q.metrics == nil {
		return
	}
	q.metrics.UploadQueueActive.WithLabelValues(q.collection).Set(float64(len(q.active)))
	q.metrics.UploadQueuePending.WithLabelValues(q.collection).Set(float64(len(q.pending)))
}
