package retry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgifai/nudge/internal/config"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 3, BaseDelaySec: 30, MaxDelaySec: 300, PollIntervalSec: 1}
}

func TestBackoffIsCappedExponential(t *testing.T) {
	base, max := 30*time.Second, 5*time.Minute
	for attempt, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: time.Minute,
		3: 2 * time.Minute,
		4: 4 * time.Minute,
		5: 5 * time.Minute,
		9: 5 * time.Minute,
	} {
		got := Backoff(attempt, base, max)
		assert.GreaterOrEqual(t, got, want, "attempt %d", attempt)
		assert.LessOrEqual(t, got, want+want/10, "attempt %d", attempt)
	}
}

func TestDroppedAfterMaxAttempts(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	var dropped []Entry
	sends := 0
	w := NewWorker(testConfig(), func(context.Context, Entry) error {
		sends++
		return errors.New("connection refused")
	}, WithClock(clk.Now), WithOnDropped(func(_ context.Context, e Entry) { dropped = append(dropped, e) }))

	w.QueueFailedMessage(Entry{UserID: "alice", ChannelID: "tg", Destination: "1", Payload: "hi"})
	require.Equal(t, 1, w.QueueSize())

	ctx := context.Background()
	assert.Zero(t, w.ProcessDue(ctx), "nothing due before the first backoff")

	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Minute)
		assert.Equal(t, 1, w.ProcessDue(ctx))
	}

	assert.Equal(t, 3, sends)
	assert.Zero(t, w.QueueSize())
	require.Len(t, dropped, 1)
	assert.Equal(t, 3, dropped[0].Attempts)
	assert.Equal(t, "connection refused", dropped[0].LastError)

	clk.Advance(time.Hour)
	assert.Zero(t, w.ProcessDue(ctx))
	assert.Equal(t, 3, sends)
}

func TestSuccessRemovesEntry(t *testing.T) {
	clk := &clock{now: time.Now()}
	fail := true
	var delivered []Entry
	w := NewWorker(testConfig(), func(context.Context, Entry) error {
		if fail {
			fail = false
			return errors.New("timeout")
		}
		return nil
	}, WithClock(clk.Now), WithOnSuccess(func(_ context.Context, e Entry) { delivered = append(delivered, e) }))

	w.QueueFailedMessage(Entry{UserID: "alice", Payload: "hi"})
	ctx := context.Background()

	clk.Advance(time.Minute)
	w.ProcessDue(ctx)
	require.Equal(t, 1, w.QueueSize())
	entries := w.Entries()
	assert.True(t, entries[0].NextRetryAt.After(clk.Now()))

	clk.Advance(10 * time.Minute)
	w.ProcessDue(ctx)
	assert.Zero(t, w.QueueSize())
	require.Len(t, delivered, 1)
	assert.Equal(t, 2, delivered[0].Attempts)
}

func TestPanicDoesNotKillProcessing(t *testing.T) {
	clk := &clock{now: time.Now()}
	calls := 0
	w := NewWorker(testConfig(), func(_ context.Context, e Entry) error {
		calls++
		if e.Payload == "boom" {
			panic("channel exploded")
		}
		return nil
	}, WithClock(clk.Now))

	w.QueueFailedMessage(Entry{UserID: "a", Payload: "boom"})
	w.QueueFailedMessage(Entry{UserID: "b", Payload: "fine"})
	clk.Advance(time.Minute)

	assert.Equal(t, 2, w.ProcessDue(context.Background()))
	assert.Equal(t, 2, calls)
	require.Equal(t, 1, w.QueueSize())
	assert.Equal(t, "boom", w.Entries()[0].Payload)
}

func TestClearQueue(t *testing.T) {
	w := NewWorker(testConfig(), func(context.Context, Entry) error { return nil })
	w.QueueFailedMessage(Entry{UserID: "a"})
	w.QueueFailedMessage(Entry{UserID: "b"})
	assert.Equal(t, 2, w.ClearQueue())
	assert.Zero(t, w.QueueSize())
}

func TestStartStopIdempotentWithSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	w := NewWorker(testConfig(), func(context.Context, Entry) error { return errors.New("down") }, WithSnapshot(path))
	ctx := context.Background()

	w.Start(ctx)
	w.Start(ctx)
	w.QueueFailedMessage(Entry{ID: "e1", UserID: "a", Payload: "hi"})

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	w.Stop(stopCtx)
	w.Stop(stopCtx)

	restored := NewWorker(testConfig(), func(context.Context, Entry) error { return nil }, WithSnapshot(path))
	restored.Start(ctx)
	defer restored.Stop(stopCtx)
	require.Equal(t, 1, restored.QueueSize())
	assert.Equal(t, "e1", restored.Entries()[0].ID)
}

func TestQueueRestoredWithoutStop(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "queue.json")
	w := NewWorker(testConfig(), func(context.Context, Entry) error { return errors.New("down") },
		WithSnapshot(path), WithClock(clk.Now))
	w.QueueFailedMessage(Entry{ID: "e1", UserID: "a", Payload: "hi"})
	w.QueueFailedMessage(Entry{ID: "e2", UserID: "b", Payload: "yo"})

	// a failed attempt updates the persisted attempt count
	clk.Advance(time.Minute)
	require.Equal(t, 2, w.ProcessDue(context.Background()))

	restored := NewWorker(testConfig(), func(context.Context, Entry) error { return nil }, WithSnapshot(path))
	restored.restore(context.Background())
	require.Equal(t, 2, restored.QueueSize())
	for _, e := range restored.Entries() {
		assert.Equal(t, 1, e.Attempts)
	}

	w.ClearQueue()
	cleared := NewWorker(testConfig(), func(context.Context, Entry) error { return nil }, WithSnapshot(path))
	cleared.restore(context.Background())
	assert.Zero(t, cleared.QueueSize())
}

func TestImmediateStopAfterStart(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		w := NewWorker(testConfig(), func(context.Context, Entry) error { return nil })
		w.Start(ctx)
		w.Stop(ctx)
	}
}
