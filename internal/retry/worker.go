package retry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/pkg/fileutil"
	"github.com/tgifai/nudge/internal/pkg/logs"
	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
)

// Entry is one failed send waiting for another attempt.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    string    `json:"category"`
	ChannelID   string    `json:"channel_id"`
	Destination string    `json:"destination"`
	Payload     string    `json:"payload"`
	MessageID   string    `json:"message_id,omitempty"`
	Period      string    `json:"period,omitempty"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// SendFunc re-attempts delivery of an entry.
type SendFunc func(ctx context.Context, entry Entry) error

// Hook observes an entry leaving the queue.
type Hook func(ctx context.Context, entry Entry)

var queueCodec = fileutil.Codec[[]Entry]{Format: "nudge.retry", Version: "1.0.0", Constraint: "^1"}

// Worker retries failed sends in the background with capped exponential
// backoff. An entry is dropped after MaxAttempts failed retries.
type Worker struct {
	cfg       config.RetryConfig
	send      SendFunc
	onSuccess Hook
	onDropped Hook
	now       func() time.Time
	path      string

	mu    sync.Mutex
	queue map[string]*Entry

	snapMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithSnapshot persists the queue to path after every change and reloads it
// on Start.
func WithSnapshot(path string) Option {
	return func(w *Worker) { w.path = path }
}

func WithOnSuccess(h Hook) Option {
	return func(w *Worker) { w.onSuccess = h }
}

func WithOnDropped(h Hook) Option {
	return func(w *Worker) { w.onDropped = h }
}

func NewWorker(cfg config.RetryConfig, send SendFunc, opts ...Option) *Worker {
	w := &Worker{
		cfg:   cfg,
		send:  send,
		now:   time.Now,
		queue: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// QueueFailedMessage enqueues an entry whose first delivery just failed.
func (w *Worker) QueueFailedMessage(entry Entry) string {
	now := w.now()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Attempts = 0
	entry.EnqueuedAt = now
	entry.NextRetryAt = now.Add(w.delay(1))

	w.mu.Lock()
	w.queue[entry.ID] = &entry
	size := len(w.queue)
	w.mu.Unlock()

	metrics.RetryQueueSize.Set(float64(size))
	w.snapshot(context.Background())
	logs.Info("[retry] queued %s for %s via %s (retry at %s)", entry.ID, entry.UserID, entry.ChannelID, entry.NextRetryAt.Format(time.RFC3339))
	return entry.ID
}

func (w *Worker) QueueSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// ClearQueue empties the queue and returns how many entries were removed.
func (w *Worker) ClearQueue() int {
	w.mu.Lock()
	n := len(w.queue)
	w.queue = make(map[string]*Entry)
	w.mu.Unlock()
	metrics.RetryQueueSize.Set(0)
	w.snapshot(context.Background())
	return n
}

// Entries returns a copy of the queue ordered by next retry time.
func (w *Worker) Entries() []Entry {
	w.mu.Lock()
	out := make([]Entry, 0, len(w.queue))
	for _, e := range w.queue {
		out = append(out, *e)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	return out
}

// Start launches the retry loop. Calling Start on a running worker is a
// no-op.
func (w *Worker) Start(ctx context.Context) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.cancel != nil {
		return
	}
	w.restore(ctx)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel, w.done = cancel, done
	go func() {
		defer close(done)
		w.loop(ctx)
	}()
	logs.CtxInfo(ctx, "[retry] worker started (max_attempts=%d)", w.cfg.MaxAttempts)
}

// Stop signals the loop and waits for it until ctx expires. Remaining
// entries are snapshotted when a snapshot path is configured.
func (w *Worker) Stop(ctx context.Context) {
	w.lifecycleMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[retry] stop timed out waiting for the retry loop")
	}
	w.snapshot(ctx)
	logs.CtxInfo(ctx, "[retry] worker stopped (%d pending)", w.QueueSize())
}

func (w *Worker) loop(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessDue(ctx)
		}
	}
}

// ProcessDue attempts every entry whose retry time has come. It returns the
// number of entries attempted.
func (w *Worker) ProcessDue(ctx context.Context) int {
	now := w.now()

	w.mu.Lock()
	var due []*Entry
	for _, e := range w.queue {
		if !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	w.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		w.attempt(ctx, e)
	}

	metrics.RetryQueueSize.Set(float64(w.QueueSize()))
	return len(due)
}

func (w *Worker) attempt(ctx context.Context, e *Entry) {
	w.mu.Lock()
	e.Attempts++
	entry := *e
	w.mu.Unlock()
	defer w.snapshot(ctx)

	err := w.safeSend(ctx, entry)
	if err == nil {
		w.remove(entry.ID)
		logs.CtxInfo(ctx, "[retry] %s delivered on attempt %d", entry.ID, entry.Attempts)
		if w.onSuccess != nil {
			w.onSuccess(ctx, entry)
		}
		return
	}

	entry.LastError = err.Error()
	if entry.Attempts >= w.cfg.MaxAttempts {
		w.remove(entry.ID)
		metrics.RetryDroppedTotal.Inc()
		logs.CtxError(ctx, "[retry] %s permanently failed after %d attempts: %v", entry.ID, entry.Attempts, err)
		if w.onDropped != nil {
			w.onDropped(ctx, entry)
		}
		return
	}

	w.mu.Lock()
	if cur, ok := w.queue[entry.ID]; ok {
		cur.LastError = entry.LastError
		cur.NextRetryAt = w.now().Add(w.delay(entry.Attempts + 1))
	}
	w.mu.Unlock()
	logs.CtxWarn(ctx, "[retry] %s attempt %d failed: %v", entry.ID, entry.Attempts, err)
}

// safeSend keeps a panicking channel from killing the loop.
func (w *Worker) safeSend(ctx context.Context, entry Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during retry: %v", r)
			logs.CtxError(ctx, "[retry] panic sending %s: %v\n%s", entry.ID, r, debug.Stack())
		}
	}()
	return w.send(ctx, entry)
}

func (w *Worker) remove(id string) {
	w.mu.Lock()
	delete(w.queue, id)
	w.mu.Unlock()
}

func (w *Worker) delay(attempt int) time.Duration {
	return Backoff(attempt,
		time.Duration(w.cfg.BaseDelaySec)*time.Second,
		time.Duration(w.cfg.MaxDelaySec)*time.Second)
}

func (w *Worker) restore(ctx context.Context) {
	if w.path == "" {
		return
	}
	data, err := fileutil.ReadIfExists(w.path)
	if err != nil {
		logs.CtxWarn(ctx, "[retry] read snapshot: %v", err)
		return
	}
	entries, err := queueCodec.Decode(data)
	if err != nil {
		logs.CtxWarn(ctx, "[retry] decode snapshot, starting empty: %v", err)
		return
	}
	w.mu.Lock()
	for i := range entries {
		e := entries[i]
		if _, exists := w.queue[e.ID]; !exists {
			w.queue[e.ID] = &e
		}
	}
	size := len(w.queue)
	w.mu.Unlock()
	if len(entries) > 0 {
		logs.CtxInfo(ctx, "[retry] restored %d pending entries", len(entries))
	}
	metrics.RetryQueueSize.Set(float64(size))
}

// snapshot must be called without w.mu held.
func (w *Worker) snapshot(ctx context.Context) {
	if w.path == "" {
		return
	}
	w.snapMu.Lock()
	defer w.snapMu.Unlock()
	data, err := queueCodec.Encode(w.Entries())
	if err != nil {
		logs.CtxWarn(ctx, "[retry] encode snapshot: %v", err)
		return
	}
	if err := fileutil.AtomicWrite(w.path, data, 0o644); err != nil {
		logs.CtxWarn(ctx, "[retry] write snapshot: %v", err)
	}
}
