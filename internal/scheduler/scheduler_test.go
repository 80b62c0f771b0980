package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/userdata"
	"github.com/tgifai/nudge/internal/wake"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	scheduled []string
	checkins  []string
	reminders []string
}

func (f *fakeDispatcher) SendScheduled(_ context.Context, userID, category, period string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, userID+"/"+category+"/"+period)
	return nil
}

func (f *fakeDispatcher) SendCheckInPrompt(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkins = append(f.checkins, userID)
	return nil
}

func (f *fakeDispatcher) SendTaskReminder(_ context.Context, userID string, task userdata.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders = append(f.reminders, userID+"/"+task.ID)
	return nil
}

type failingWake struct{ calls int }

func (f *failingWake) Set(context.Context, wake.Key, time.Time) error {
	f.calls++
	return errors.New("pmset: permission denied")
}

func (f *failingWake) Cancel(context.Context, wake.Key) error { return nil }

type fixture struct {
	sched *Scheduler
	users *userdata.FileStore
	disp  *fakeDispatcher
	now   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{Service: config.ServiceConfig{DataDir: dir}}
	require.NoError(t, cfg.Validate())

	f := &fixture{
		users: userdata.NewFileStore(dir),
		disp:  &fakeDispatcher{},
		now:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), // Monday
	}
	opts = append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithRand(rand.New(rand.NewPCG(9, 9))),
	}, opts...)
	f.sched = NewScheduler(cfg, f.users, f.disp, opts...)
	return f
}

func (f *fixture) seed(t *testing.T, userID string, p *userdata.Profile) {
	t.Helper()
	if p.Periods == nil {
		p.Periods = map[string]string{"morning": "09:00-10:00", "evening": "18:00-20:00"}
	}
	p.Timezone = "UTC"
	p.DefaultChannel = "tg"
	require.NoError(t, f.users.SaveProfile(userID, p))
}

func wellnessProfile() *userdata.Profile {
	return &userdata.Profile{
		Categories: []userdata.CategorySchedule{
			{Name: "wellness", Schedule: userdata.Schedule{Days: []string{"mon"}, Periods: []string{"morning"}}},
			{Name: "quotes", Schedule: userdata.Schedule{Periods: []string{"evening"}}},
		},
		CheckIn:       &userdata.Schedule{Periods: []string{"evening"}},
		TaskReminders: &userdata.Schedule{Cron: "0 12 * * *"},
	}
}

func TestRebuildScheduleTwiceLeavesOneJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "alice", wellnessProfile())
	f.seed(t, "bob", wellnessProfile())
	require.NoError(t, f.sched.RebuildSchedule(ctx, "bob"))

	require.NoError(t, f.sched.RebuildSchedule(ctx, "alice"))
	require.NoError(t, f.sched.RebuildSchedule(ctx, "alice"))

	store := f.sched.Store()
	assert.Equal(t, 1, store.Count("alice", "wellness"))
	assert.Equal(t, 1, store.Count("alice", "quotes"))
	assert.Equal(t, 2, store.Count("bob", ""), "other users keep their jobs")

	job, ok := store.Get(Key{UserID: "alice", Category: "wellness", Kind: KindMessage})
	require.True(t, ok)
	assert.Equal(t, "morning", job.Period)
	assert.Equal(t, "tg", job.Channel)
	assert.Equal(t, time.Monday, job.NextFireAt.Weekday())
	assert.Equal(t, 9, job.NextFireAt.Hour())
}

func TestRebuildDropsRemovedCategoryOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := wellnessProfile()
	f.seed(t, "alice", p)
	require.NoError(t, f.sched.RebuildUser(ctx, "alice"))
	require.Equal(t, 4, f.sched.Store().Count("alice", ""))

	p.Categories = p.Categories[:1]
	f.seed(t, "alice", p)
	require.NoError(t, f.sched.RebuildSchedule(ctx, "alice"))

	store := f.sched.Store()
	assert.Equal(t, 0, store.Count("alice", "quotes"))
	assert.Equal(t, 1, store.Count("alice", "wellness"))
	assert.Equal(t, 1, store.Count("alice", consts.CategoryCheckIn))
	assert.Equal(t, 1, store.Count("alice", consts.CategoryTaskReminder))
}

func TestRunDailyRebuildIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", wellnessProfile())
	f.seed(t, "broken", &userdata.Profile{
		Periods: map[string]string{"odd": "12:00-11:00"},
		Categories: []userdata.CategorySchedule{
			{Name: "x", Schedule: userdata.Schedule{Periods: []string{"odd"}}},
		},
	})
	f.seed(t, "zoe", wellnessProfile())

	ok, failed := f.sched.RunDailyRebuild(context.Background())
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, f.sched.Store().Count("alice", ""))
	assert.Equal(t, 4, f.sched.Store().Count("zoe", ""))
}

func TestWakeTimerFailureIsNonFatal(t *testing.T) {
	fw := &failingWake{}
	f := newFixture(t, WithWakeTimer(fw))
	f.seed(t, "alice", wellnessProfile())

	require.NoError(t, f.sched.RebuildSchedule(context.Background(), "alice"))
	assert.Equal(t, 2, fw.calls)
	assert.Equal(t, 2, f.sched.Store().Count("alice", ""))
}

func TestTickFiresAndReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "alice", wellnessProfile())
	require.NoError(t, f.sched.RebuildSchedule(ctx, "alice"))

	k := Key{UserID: "alice", Category: "wellness", Kind: KindMessage}
	first, ok := f.sched.Store().Get(k)
	require.True(t, ok)

	f.now = first.NextFireAt.Add(30 * time.Second)
	f.sched.tick(ctx)
	f.sched.wg.Wait()

	assert.Equal(t, []string{"alice/wellness/morning"}, f.disp.scheduled)
	next, ok := f.sched.Store().Get(k)
	require.True(t, ok)
	assert.True(t, next.NextFireAt.After(f.now))
	assert.Equal(t, time.Monday, next.NextFireAt.Weekday())
	require.NotNil(t, next.LastFiredAt)
	assert.Equal(t, 1, f.sched.Store().Count("alice", "wellness"))
}

func TestTickSkipsJobsMissedBeyondGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "alice", wellnessProfile())
	require.NoError(t, f.sched.RebuildSchedule(ctx, "alice"))

	k := Key{UserID: "alice", Category: "wellness", Kind: KindMessage}
	first, _ := f.sched.Store().Get(k)
	f.now = first.NextFireAt.Add(5 * time.Hour)
	f.sched.tick(ctx)
	f.sched.wg.Wait()

	assert.Empty(t, f.disp.scheduled)
	next, ok := f.sched.Store().Get(k)
	require.True(t, ok)
	assert.True(t, next.NextFireAt.After(f.now))
}

func TestTaskReminderWithoutOpenTasksIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "alice", wellnessProfile())
	require.NoError(t, f.users.SaveTasks("alice", []userdata.Task{{ID: "t1", Done: true}}))

	err := f.sched.fire(ctx, Job{Key: Key{UserID: "alice", Category: consts.CategoryTaskReminder, Kind: KindTaskReminder}})
	require.NoError(t, err)
	assert.Empty(t, f.disp.reminders)

	require.NoError(t, f.users.SaveTasks("alice", []userdata.Task{{ID: "t2", Priority: "high"}}))
	require.NoError(t, f.sched.fire(ctx, Job{Key: Key{UserID: "alice", Category: consts.CategoryTaskReminder, Kind: KindTaskReminder}}))
	assert.Equal(t, []string{"alice/t2"}, f.disp.reminders)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", wellnessProfile())
	ctx := context.Background()

	require.NoError(t, f.sched.Start(ctx))
	require.NoError(t, f.sched.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f.sched.Stop(stopCtx)
	f.sched.Stop(stopCtx)

	_, ok := f.sched.Store().Get(Key{UserID: systemUser, Category: "daily_rebuild", Kind: KindSystem})
	assert.True(t, ok)
}
