package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/flow"
	"github.com/tgifai/nudge/internal/userdata"
)

type sent struct {
	dest string
	text string
}

type fakeChannel struct {
	id string

	mu      sync.Mutex
	fail    error
	healthy error
	sent    []sent
}

func (c *fakeChannel) ID() string                  { return c.id }
func (c *fakeChannel) Type() channel.Type          { return channel.HTTP }
func (c *fakeChannel) Start(context.Context) error { return nil }
func (c *fakeChannel) Stop(context.Context) error  { return nil }
func (c *fakeChannel) RegisterMessageHandler(func(context.Context, *channel.Message) error) error {
	return nil
}

func (c *fakeChannel) SendMessage(_ context.Context, dest, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, sent{dest: dest, text: text})
	return nil
}

func (c *fakeChannel) HealthCheck(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *fakeChannel) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *fakeChannel) messages() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

type fixture struct {
	orch  *Orchestrator
	users *userdata.FileStore
	flows *flow.Engine
	tg    *fakeChannel
	lark  *fakeChannel
	now   time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		users: userdata.NewFileStore(dir),
		tg:    &fakeChannel{id: "tg"},
		lark:  &fakeChannel{id: "lark"},
		// Monday
		now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	require.NoError(t, f.users.SaveProfile("alice", &userdata.Profile{
		Timezone:       "UTC",
		DefaultChannel: "tg",
		Addresses:      map[string]string{"tg": "1001", "lark": "ou_alice"},
		Periods:        map[string]string{"morning": "08:00-11:00"},
		Categories: []userdata.CategorySchedule{
			{Name: "wellness", Schedule: userdata.Schedule{Days: []string{"mon"}, Periods: []string{"morning"}}},
		},
	}))

	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(f.tg))
	require.NoError(t, reg.Register(f.lark))

	cfg := &config.Config{
		Service: config.ServiceConfig{DataDir: dir, StopTimeoutSec: 1},
		Dispatch: config.DispatchConfig{
			DedupWindowCount: 2,
			PeriodSplit:      0.7,
			FlowCategories:   []string{consts.CategoryCheckIn, consts.CategoryReply},
		},
		Retry:  config.RetryConfig{MaxAttempts: 2, BaseDelaySec: 30, MaxDelaySec: 60, PollIntervalSec: 1},
		Health: config.HealthConfig{PollIntervalSec: 1, ReconnectThreshold: 3, ProbeTimeoutSec: 1},
	}
	f.flows = flow.NewEngine(config.FlowConfig{TimeoutMin: 10, QuestionsPerFlow: 2, RecentWindow: 3},
		flow.NewStore(filepath.Join(dir, consts.FlowStoreFile)), f.users,
		flow.WithClock(f.clock), flow.WithRand(rand.New(rand.NewPCG(1, 1))))
	f.orch = NewOrchestrator(cfg, f.users, reg, f.flows,
		WithClock(f.clock), WithRand(rand.New(rand.NewPCG(5, 9))))
	return f
}

func (f *fixture) history(t *testing.T, category string) []userdata.MessageRecord {
	t.Helper()
	recs, err := f.users.SentHistory("alice", category)
	require.NoError(t, err)
	return recs
}

func TestSendScheduled_WellnessMondays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// C is Tuesday-only, so Mondays see two messages against a window of two
	// and the third Monday has to reuse one.
	require.NoError(t, f.users.SaveMessages("alice", "wellness", []userdata.Message{
		{ID: "A", Text: "Stretch for five minutes.", Days: []string{"mon"}},
		{ID: "B", Text: "Drink a glass of water.", Days: []string{"mon"}},
		{ID: "C", Text: "Take a short walk.", Days: []string{"tue"}},
	}))

	var order []string
	for week := 0; week < 3; week++ {
		require.NoError(t, f.orch.SendScheduled(ctx, "alice", "wellness", "morning"))
		recs := f.history(t, "wellness")
		require.Len(t, recs, week+1)
		order = append(order, recs[week].MessageID)
		f.now = f.now.AddDate(0, 0, 7)
	}

	assert.NotEqual(t, order[0], order[1])
	assert.NotContains(t, order, "C")
	// Third Monday: both Monday messages are inside the window, so the least
	// recently sent one is reused.
	assert.Equal(t, order[0], order[2])
	assert.Len(t, f.tg.messages(), 3)
}

func TestSendScheduled_WellnessRotatesThroughLargerPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.users.SaveMessages("alice", "wellness", []userdata.Message{
		{ID: "A", Text: "Stretch for five minutes.", Days: []string{"mon"}},
		{ID: "B", Text: "Drink a glass of water.", Days: []string{"mon"}},
		{ID: "C", Text: "Take a short walk.", Days: []string{"mon"}},
	}))

	var order []string
	for week := 0; week < 3; week++ {
		require.NoError(t, f.orch.SendScheduled(ctx, "alice", "wellness", "morning"))
		recs := f.history(t, "wellness")
		require.Len(t, recs, week+1)
		order = append(order, recs[week].MessageID)
		f.now = f.now.AddDate(0, 0, 7)
	}

	// The first two Mondays fill the window, leaving only the unsent message.
	assert.ElementsMatch(t, []string{"A", "B", "C"}, order)
	assert.Len(t, f.tg.messages(), 3)
}

func TestSendScheduled_NoCandidateKeepsFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.SendCheckInPrompt(ctx, "alice"))
	require.NoError(t, f.orch.SendScheduled(ctx, "alice", "wellness", "morning"))

	cur, ok := f.flows.Active("alice")
	require.True(t, ok)
	assert.Equal(t, flow.StateInProgress, cur.State)
	assert.Empty(t, f.history(t, "wellness"))
}

func TestSendScheduled_UnrelatedSendExpiresFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.users.SaveMessages("alice", "wellness", []userdata.Message{{ID: "A", Text: "hello"}}))

	require.NoError(t, f.orch.SendCheckInPrompt(ctx, "alice"))
	require.Len(t, f.tg.messages(), 1)
	require.NoError(t, f.orch.SendScheduled(ctx, "alice", "wellness", "morning"))

	_, active := f.flows.Active("alice")
	assert.False(t, active)
	ended, ok := f.flows.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, flow.StateExpired, ended.State)
	assert.Equal(t, flow.ReasonUnrelatedOutbound, ended.Reason)
}

func TestSend_FailedSendQueuesAndKeepsFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.users.SaveMessages("alice", "wellness", []userdata.Message{{ID: "A", Text: "hello"}}))
	require.NoError(t, f.orch.SendCheckInPrompt(ctx, "alice"))

	f.tg.setFail(errors.New("telegram: 502"))
	require.NoError(t, f.orch.SendScheduled(ctx, "alice", "wellness", "morning"))

	assert.Equal(t, 1, f.orch.Retry().QueueSize())
	_, active := f.flows.Active("alice")
	assert.True(t, active, "a failed send must not expire the flow")

	recs := f.history(t, "wellness")
	require.Len(t, recs, 1)
	assert.Equal(t, userdata.StatusFailed, recs[0].Status)

	// The retry succeeds later and only then expires the flow.
	f.tg.setFail(nil)
	f.now = f.now.Add(2 * time.Minute)
	assert.Equal(t, 1, f.orch.Retry().ProcessDue(ctx))
	assert.Equal(t, 0, f.orch.Retry().QueueSize())
	ended, ok := f.flows.Ended("alice")
	require.True(t, ok)
	assert.Equal(t, flow.ReasonUnrelatedOutbound, ended.Reason)

	recs = f.history(t, "wellness")
	require.Len(t, recs, 2)
	assert.Equal(t, userdata.StatusRetrySent, recs[1].Status)
}

func TestSend_DroppedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tg.setFail(errors.New("down"))

	status, err := f.orch.Send(ctx, Outbound{UserID: "alice", Category: "wellness", MessageID: "A", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, userdata.StatusFailed, status)

	for i := 0; i < 2; i++ {
		f.now = f.now.Add(2 * time.Hour)
		f.orch.Retry().ProcessDue(ctx)
	}
	assert.Equal(t, 0, f.orch.Retry().QueueSize())
	recs := f.history(t, "wellness")
	require.NotEmpty(t, recs)
	assert.Equal(t, userdata.StatusDropped, recs[len(recs)-1].Status)
}

func TestSend_ReplyDoesNotExpireFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SendCheckInPrompt(ctx, "alice"))

	require.NoError(t, f.orch.Reply(ctx, "alice", "tg", "1001", "Please reply with a number."))
	_, active := f.flows.Active("alice")
	assert.True(t, active)
}

func TestSend_UnroutedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.users.SaveProfile("bob", &userdata.Profile{Timezone: "UTC"}))

	status, err := f.orch.Send(ctx, Outbound{UserID: "bob", Category: "wellness", Text: "hi"})
	assert.ErrorIs(t, err, ErrNoDestination)
	assert.Equal(t, userdata.StatusUnrouted, status)
}

func TestSend_AvoidsUnhealthyChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tg.healthy = errors.New("getMe failed")
	f.orch.Health().PollOnce(ctx)
	require.False(t, f.orch.Health().IsHealthy("tg"))

	status, err := f.orch.Send(ctx, Outbound{UserID: "alice", Category: "wellness", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, userdata.StatusSent, status)
	assert.Empty(t, f.tg.messages())
	require.Len(t, f.lark.messages(), 1)
	assert.Equal(t, "ou_alice", f.lark.messages()[0].dest)
}

func TestSendCheckInPrompt_ActiveFlowNotResent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SendCheckInPrompt(ctx, "alice"))
	require.NoError(t, f.orch.SendCheckInPrompt(ctx, "alice"))
	assert.Len(t, f.tg.messages(), 1)
}

func TestSendTaskReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := userdata.Task{ID: "t1", Title: "File taxes", Priority: "High", Due: "2026-03-05"}
	require.NoError(t, f.orch.SendTaskReminder(ctx, "alice", task))

	msgs := f.tg.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Reminder: File taxes (priority high, due 2026-03-05)", msgs[0].text)
	recs := f.history(t, consts.CategoryTaskReminder)
	require.Len(t, recs, 1)
	assert.Equal(t, "t1", recs[0].MessageID)
}

func TestStartStopAll_Bounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.StartAll(ctx)
	f.orch.StartAll(ctx)

	start := time.Now()
	f.orch.StopAll(ctx)
	f.orch.StopAll(ctx)
	assert.Less(t, time.Since(start), 3*time.Second)
}
