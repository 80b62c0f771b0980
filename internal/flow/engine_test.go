package flow

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/userdata"
)

type memHistory struct {
	mu      sync.Mutex
	records []userdata.CheckInRecord
}

func (h *memHistory) RecentCheckIns(userID string, n int) ([]userdata.CheckInRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []userdata.CheckInRecord
	for i := len(h.records) - 1; i >= 0 && len(out) < n; i-- {
		if h.records[i].UserID == userID {
			out = append(out, h.records[i])
		}
	}
	return out, nil
}

func (h *memHistory) AppendCheckIn(rec userdata.CheckInRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

type fixture struct {
	engine  *Engine
	history *memHistory
	path    string
	now     time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, bank []Question) *fixture {
	t.Helper()
	f := &fixture{
		history: &memHistory{},
		path:    filepath.Join(t.TempDir(), "flows.json"),
		now:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	cfg := config.FlowConfig{TimeoutMin: 10, QuestionsPerFlow: 2, RecentWindow: 3, SweepIntervalSec: 1}
	opts := []Option{WithClock(f.clock), WithRand(rand.New(rand.NewPCG(7, 11)))}
	if bank != nil {
		opts = append(opts, WithBank(bank))
	}
	f.engine = NewEngine(cfg, NewStore(f.path), f.history, opts...)
	return f
}

func twoQuestions() []Question {
	return []Question{
		{ID: "sleep_hours", Category: CategorySleep, Kind: AnswerHours, Text: "How many hours did you sleep?"},
		{
			ID:          "sleep_quality",
			Category:    CategorySleep,
			Kind:        AnswerScale,
			Text:        "How rested do you feel (1-5)?",
			ContextText: "After %s hours of sleep, how rested do you feel (1-5)?",
			DependsOn:   "sleep_hours",
		},
	}
}

func TestEngine_CompleteFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())

	reply, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "How many hours did you sleep?")
	assert.Equal(t, StateInProgress, reply.Flow.State)

	reply, err = f.engine.Answer(ctx, "alice", "7.5")
	require.NoError(t, err)
	assert.Equal(t, "After 7.5 hours of sleep, how rested do you feel (1-5)?", reply.Text)

	reply, err = f.engine.Answer(ctx, "alice", "4")
	require.NoError(t, err)
	assert.True(t, reply.Done)

	_, active := f.engine.Active("alice")
	assert.False(t, active)
	ended, ok := f.engine.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, ended.State)

	require.Len(t, f.history.records, 1)
	assert.Equal(t, []userdata.Answer{
		{QuestionID: "sleep_hours", Category: CategorySleep, Value: "7.5"},
		{QuestionID: "sleep_quality", Category: CategorySleep, Value: "4"},
	}, f.history.records[0].Answers)
}

func TestEngine_InvalidAnswerReprompts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	reply, err := f.engine.Answer(ctx, "alice", "lots")
	require.NoError(t, err)
	assert.True(t, reply.Invalid)
	assert.Contains(t, reply.Text, "number of hours")
	assert.Contains(t, reply.Text, "How many hours did you sleep?")

	cur, ok := f.engine.Active("alice")
	require.True(t, ok)
	assert.Equal(t, "sleep_hours", cur.Current())
	assert.Empty(t, cur.Answers)
}

func TestEngine_TimeoutBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	f.now = time.Date(2026, 3, 2, 10, 9, 59, 0, time.UTC)
	assert.Equal(t, 0, f.engine.Sweep(ctx))
	cur, ok := f.engine.Active("alice")
	require.True(t, ok)
	assert.Equal(t, StateInProgress, cur.State)

	f.now = time.Date(2026, 3, 2, 10, 10, 0, 0, time.UTC)
	assert.Equal(t, 1, f.engine.Sweep(ctx))
	ended, ok := f.engine.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, StateExpired, ended.State)
	assert.Equal(t, ReasonTimeout, ended.Reason)
}

func TestEngine_AnswerExtendsDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	f.now = f.now.Add(8 * time.Minute)
	_, err = f.engine.Answer(ctx, "alice", "6")
	require.NoError(t, err)

	f.now = f.now.Add(8 * time.Minute)
	assert.Equal(t, 0, f.engine.Sweep(ctx))
	_, ok := f.engine.Active("alice")
	assert.True(t, ok)
}

func TestEngine_AnswerAfterDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.engine.Answer(ctx, "alice", "7")
	assert.ErrorIs(t, err, ErrNoActiveFlow)
	ended, ok := f.engine.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, StateExpired, ended.State)
}

func TestEngine_UnrelatedSendExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	f.engine.ExpireOnUnrelatedSend(ctx, "alice")
	ended, ok := f.engine.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, StateExpired, ended.State)
	assert.Equal(t, ReasonUnrelatedOutbound, ended.Reason)

	// No active flow: nothing to do.
	f.engine.ExpireOnUnrelatedSend(ctx, "alice")
	_, err = f.engine.Answer(ctx, "alice", "3")
	assert.ErrorIs(t, err, ErrNoActiveFlow)
}

func TestEngine_UnrelatedSendAfterDeadlineRecordsTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	// The sweeper has not run yet, so the flow is still stored as active.
	f.now = f.now.Add(15 * time.Minute)
	f.engine.ExpireOnUnrelatedSend(ctx, "alice")

	ended, ok := f.engine.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, StateExpired, ended.State)
	assert.Equal(t, ReasonTimeout, ended.Reason)
}

func TestEngine_StartWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	first, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	again, err := f.engine.Start(ctx, "alice", "tg", "42")
	assert.ErrorIs(t, err, ErrFlowActive)
	assert.Equal(t, first.Flow.StartedAt, again.Flow.StartedAt)
	assert.Equal(t, "How many hours did you sleep?", again.Text)
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)

	ok, err := f.engine.Cancel(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ended, _ := f.engine.Ended("alice")
	assert.Equal(t, StateCancelled, ended.State)

	ok, err = f.engine.Cancel(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.history.records)
}

func TestEngine_StatePersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twoQuestions())
	_, err := f.engine.Start(ctx, "alice", "tg", "42")
	require.NoError(t, err)
	_, err = f.engine.Answer(ctx, "alice", "8")
	require.NoError(t, err)

	store := NewStore(f.path)
	require.NoError(t, store.Load())
	cur, ok := store.Active("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"sleep_hours"}, cur.Asked)
	assert.Equal(t, "sleep_quality", cur.Current())
	assert.Equal(t, "tg", cur.ChannelID)
}

func TestEngine_SweeperLifecycle(t *testing.T) {
	f := newFixture(t, twoQuestions())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f.engine.StartSweeper(ctx)
	f.engine.StartSweeper(ctx)
	f.engine.StopSweeper(ctx)
	f.engine.StopSweeper(ctx)
	assert.NoError(t, ctx.Err())
}

func TestEngine_SweeperImmediateStop(t *testing.T) {
	f := newFixture(t, twoQuestions())
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		f.engine.StartSweeper(ctx)
		f.engine.StopSweeper(ctx)
	}
}
