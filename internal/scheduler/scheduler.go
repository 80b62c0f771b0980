package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/pkg/logs"
	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
	"github.com/tgifai/nudge/internal/userdata"
	"github.com/tgifai/nudge/internal/wake"
)

// Dispatcher is what a fired job calls into.
type Dispatcher interface {
	SendScheduled(ctx context.Context, userID, category, period string) error
	SendCheckInPrompt(ctx context.Context, userID string) error
	SendTaskReminder(ctx context.Context, userID string, task userdata.Task) error
}

// Scheduler owns the job table. Every mutation is scoped to a
// (user, category, kind) key; the table is never cleared wholesale.
type Scheduler struct {
	store      *Store
	users      userdata.Store
	dispatcher Dispatcher
	wake       wake.Timer
	cfg        config.SchedulerConfig
	retention  time.Duration
	concurrent chan struct{}
	now        func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	rebuilds singleflight.Group

	runningMu sync.Mutex
	running   map[Key]struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

func WithWakeTimer(t wake.Timer) Option {
	return func(s *Scheduler) { s.wake = t }
}

func WithStorePath(path string) Option {
	return func(s *Scheduler) { s.store = NewStore(path) }
}

// NewScheduler creates a scheduler whose job table lives under dataDir.
func NewScheduler(cfg *config.Config, users userdata.Store, dispatcher Dispatcher, opts ...Option) *Scheduler {
	maxConcurrent := cfg.Scheduler.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Scheduler{
		store:      NewStore(filepath.Join(cfg.Service.DataDir, consts.JobStoreFile)),
		users:      users,
		dispatcher: dispatcher,
		wake:       wake.Disabled{},
		cfg:        cfg.Scheduler,
		retention:  time.Duration(cfg.Dispatch.AuditRetention) * 24 * time.Hour,
		concurrent: make(chan struct{}, maxConcurrent),
		now:        time.Now,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6e75646765)),
		running:    make(map[Key]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the job table, queues the daily rebuild job and begins the
// tick loop. A corrupt table is logged and treated as empty.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cancel != nil {
		return nil
	}

	if err := s.store.Load(); err != nil {
		logs.CtxWarn(ctx, "[scheduler] load job table, starting empty: %v", err)
	}
	if err := s.ensureSystemJob(s.now()); err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunDailyRebuild(ctx)
		s.loop(ctx)
	}()

	logs.CtxInfo(ctx, "[scheduler] started (tick=%ds, max_concurrent=%d)", s.cfg.TickIntervalSec, cap(s.concurrent))
	return nil
}

// Stop cancels the loop and waits for in-flight jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.lifecycleMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[scheduler] stop timed out waiting for running jobs")
	}

	if err := s.store.Save(); err != nil {
		logs.CtxWarn(ctx, "[scheduler] save job table on shutdown: %v", err)
	}
	logs.CtxInfo(ctx, "[scheduler] stopped")
}

func (s *Scheduler) ListJobs() []Job {
	return s.store.List()
}

// Store exposes the job table for inspection.
func (s *Scheduler) Store() *Store {
	return s.store
}

// RebuildSchedule recomputes the message jobs of one user. Only the
// (user, category) keys being recomputed are replaced, plus removal of jobs
// for categories the profile no longer has.
func (s *Scheduler) RebuildSchedule(ctx context.Context, userID string) error {
	_, err, _ := s.rebuilds.Do("messages:"+userID, func() (interface{}, error) {
		return nil, s.rebuildMessages(ctx, userID)
	})
	return err
}

// RebuildUser recomputes every job family of one user.
func (s *Scheduler) RebuildUser(ctx context.Context, userID string) error {
	_, err, _ := s.rebuilds.Do("user:"+userID, func() (interface{}, error) {
		var errs []error
		if err := s.rebuildMessages(ctx, userID); err != nil {
			errs = append(errs, err)
		}
		if err := s.ScheduleCheckIn(ctx, userID); err != nil {
			errs = append(errs, err)
		}
		if err := s.ScheduleTaskReminder(ctx, userID); err != nil {
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	})
	return err
}

func (s *Scheduler) rebuildMessages(ctx context.Context, userID string) error {
	profile, err := s.users.Profile(userID)
	if err != nil {
		if errors.Is(err, userdata.ErrUserNotFound) {
			s.Cleanup(ctx, userID, "")
		}
		return err
	}

	now := s.now()
	wanted := make(map[string]struct{}, len(profile.Categories))
	var errs []error
	for _, cat := range profile.Categories {
		if cat.Name == "" {
			continue
		}
		wanted[cat.Name] = struct{}{}
		if !cat.IsEnabled() {
			s.Cleanup(ctx, userID, cat.Name, KindMessage)
			continue
		}
		if err := s.schedule(ctx, profile, Key{UserID: userID, Category: cat.Name, Kind: KindMessage}, cat.Schedule, now); err != nil {
			errs = append(errs, fmt.Errorf("category %s: %w", cat.Name, err))
		}
	}

	for _, job := range s.store.List() {
		if job.UserID != userID || job.Kind != KindMessage {
			continue
		}
		if _, ok := wanted[job.Category]; !ok {
			s.Cleanup(ctx, userID, job.Category, KindMessage)
		}
	}
	if err := s.store.Save(); err != nil {
		errs = append(errs, fmt.Errorf("persist job table: %w", err))
	}
	return errors.Join(errs...)
}

// ScheduleCheckIn (re)creates the check-in job of one user.
func (s *Scheduler) ScheduleCheckIn(ctx context.Context, userID string) error {
	return s.scheduleSingle(ctx, userID, consts.CategoryCheckIn, KindCheckIn, func(p *userdata.Profile) *userdata.Schedule {
		return p.CheckIn
	})
}

// ScheduleTaskReminder (re)creates the task reminder job of one user.
func (s *Scheduler) ScheduleTaskReminder(ctx context.Context, userID string) error {
	return s.scheduleSingle(ctx, userID, consts.CategoryTaskReminder, KindTaskReminder, func(p *userdata.Profile) *userdata.Schedule {
		return p.TaskReminders
	})
}

func (s *Scheduler) scheduleSingle(ctx context.Context, userID, category string, kind Kind, pick func(*userdata.Profile) *userdata.Schedule) error {
	profile, err := s.users.Profile(userID)
	if err != nil {
		return err
	}
	sched := pick(profile)
	if !sched.IsEnabled() {
		s.Cleanup(ctx, userID, category, kind)
		return s.store.Save()
	}
	if err := s.schedule(ctx, profile, Key{UserID: userID, Category: category, Kind: kind}, *sched, s.now()); err != nil {
		return fmt.Errorf("%s: %w", category, err)
	}
	return s.store.Save()
}

// schedule replaces the job for key with the next occurrence of rule. When
// there is no upcoming occurrence the old job is still removed.
func (s *Scheduler) schedule(ctx context.Context, profile *userdata.Profile, key Key, rule userdata.Schedule, from time.Time) error {
	occ, err := s.next(profile, rule, from)
	if err != nil {
		s.Cleanup(ctx, key.UserID, key.Category, key.Kind)
		if errors.Is(err, errNoOccurrence) {
			return nil
		}
		return err
	}

	if old, ok := s.store.Get(key); ok && old.Period != occ.Period {
		s.cancelWake(ctx, key, old.Period)
	}
	channelID := rule.Channel
	if channelID == "" {
		channelID = profile.DefaultChannel
	}
	s.store.Put(Job{
		Key:        key,
		Period:     occ.Period,
		Rule:       describeRule(rule),
		Channel:    channelID,
		NextFireAt: occ.At,
		CreatedAt:  from,
	})
	s.SetWakeTimer(ctx, occ.At, key.UserID, key.Category, occ.Period)
	logs.CtxDebug(ctx, "[scheduler] %s next at %s (%s)", key, occ.At.Format(time.RFC3339), occ.Period)
	return nil
}

func (s *Scheduler) next(profile *userdata.Profile, rule userdata.Schedule, from time.Time) (Occurrence, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return nextOccurrence(profile, rule, from, s.rng)
}

// SetWakeTimer asks the host to wake before at. Failures are logged; the
// in-process job fires anyway if the host is awake.
func (s *Scheduler) SetWakeTimer(ctx context.Context, at time.Time, userID, category, period string) bool {
	if s.cfg.WakeTimers != nil && !*s.cfg.WakeTimers {
		return false
	}
	key := wake.Key{UserID: userID, Category: category, Period: period}
	if err := s.wake.Set(ctx, key, at); err != nil {
		logs.CtxWarn(ctx, "[scheduler] wake timer %s: %v", key, err)
		return false
	}
	return true
}

func (s *Scheduler) cancelWake(ctx context.Context, key Key, period string) {
	wk := wake.Key{UserID: key.UserID, Category: key.Category, Period: period}
	if err := s.wake.Cancel(ctx, wk); err != nil {
		logs.CtxDebug(ctx, "[scheduler] cancel wake timer %s: %v", wk, err)
	}
}

// Cleanup removes the jobs of (userID, category), optionally narrowed to
// kinds, and their wake timers. It does not persist; callers save.
func (s *Scheduler) Cleanup(ctx context.Context, userID, category string, kinds ...Kind) int {
	removed := s.store.RemoveMatching(userID, category, kinds...)
	for _, job := range removed {
		s.cancelWake(ctx, job.Key, job.Period)
	}
	if len(removed) > 0 {
		logs.CtxDebug(ctx, "[scheduler] removed %d job(s) for %s/%s", len(removed), userID, category)
	}
	return len(removed)
}

// RunDailyRebuild rebuilds every user's jobs and archives old audit records.
// A failure for one user is logged and skipped.
func (s *Scheduler) RunDailyRebuild(ctx context.Context) (ok, failed int) {
	users, err := s.users.ListUsers()
	if err != nil {
		logs.CtxError(ctx, "[scheduler] daily rebuild: list users: %v", err)
		return 0, 0
	}

	cutoff := s.now().Add(-s.retention)
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		if err := s.rebuildOne(ctx, userID, cutoff); err != nil {
			failed++
			logs.CtxError(ctx, "[scheduler] daily rebuild for %s: %v", userID, err)
			continue
		}
		ok++
	}

	if pruner, isRegistry := s.wake.(*wake.Registry); isRegistry {
		pruner.Prune(s.now())
	}
	logs.CtxInfo(ctx, "[scheduler] daily rebuild done: %d ok, %d failed", ok, failed)
	return ok, failed
}

func (s *Scheduler) rebuildOne(ctx context.Context, userID string, cutoff time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	if err := s.RebuildUser(ctx, userID); err != nil {
		return err
	}
	if s.retention > 0 {
		moved, err := s.users.ArchiveSent(userID, cutoff)
		if err != nil {
			logs.CtxWarn(ctx, "[scheduler] archive audit log for %s: %v", userID, err)
		} else if moved > 0 {
			logs.CtxInfo(ctx, "[scheduler] archived %d audit record(s) for %s", moved, userID)
		}
	}
	return nil
}

func (s *Scheduler) ensureSystemJob(from time.Time) error {
	sched, err := cronParser.Parse(s.cfg.DailyRebuild)
	if err != nil {
		return fmt.Errorf("parse daily rebuild %q: %w", s.cfg.DailyRebuild, err)
	}
	key := Key{UserID: systemUser, Category: "daily_rebuild", Kind: KindSystem}
	if job, ok := s.store.Get(key); ok && job.Rule == "cron:"+s.cfg.DailyRebuild {
		return nil
	}
	s.store.Put(Job{
		Key:        key,
		Period:     consts.PeriodAll,
		Rule:       "cron:" + s.cfg.DailyRebuild,
		NextFireAt: sched.Next(from),
		CreatedAt:  from,
	})
	return nil
}

// ---------------------------------------------------------------------------
// internal
// ---------------------------------------------------------------------------

func (s *Scheduler) loop(ctx context.Context) {
	interval := time.Duration(s.cfg.TickIntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires due jobs. A job is removed from the table before it runs and
// its next occurrence is added afterwards.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, job := range s.store.ListDue(now) {
		if s.isRunning(job.Key) {
			continue
		}
		if !s.tryAcquire() {
			break
		}
		s.markRunning(job.Key)
		j := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer s.markNotRunning(j.Key)
			s.executeJob(ctx, j, now)
		}()
	}
}

func (s *Scheduler) executeJob(ctx context.Context, job Job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logs.CtxError(ctx, "[scheduler] job %s panicked: %v\n%s", job.Key, r, debug.Stack())
		}
		s.reschedule(ctx, job, now)
	}()

	s.store.Remove(job.Key)

	grace := time.Duration(s.cfg.MissedGraceMin) * time.Minute
	if grace > 0 && now.Sub(job.NextFireAt) > grace {
		logs.CtxWarn(ctx, "[scheduler] job %s missed by %v, skipping", job.Key, now.Sub(job.NextFireAt).Truncate(time.Second))
		return
	}

	timeout := time.Duration(s.cfg.JobTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	jobCtx = logs.WithUser(logs.WithJob(jobCtx, job.Key.String()), job.UserID)

	if err := s.fire(jobCtx, job); err != nil {
		logs.CtxWarn(ctx, "[scheduler] job %s failed: %v", job.Key, err)
		return
	}
	metrics.JobsFiredTotal.WithLabelValues(string(job.Kind)).Inc()
	logs.CtxInfo(ctx, "[scheduler] fired job %s (%s)", job.Key, job.Period)
}

func (s *Scheduler) fire(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindMessage:
		return s.dispatcher.SendScheduled(ctx, job.UserID, job.Category, job.Period)
	case KindCheckIn:
		return s.dispatcher.SendCheckInPrompt(ctx, job.UserID)
	case KindTaskReminder:
		tasks, err := s.users.Tasks(job.UserID)
		if err != nil {
			return err
		}
		s.rngMu.Lock()
		task, err := SelectTaskForReminder(tasks, s.now(), s.rng)
		s.rngMu.Unlock()
		if errors.Is(err, ErrNoOpenTasks) {
			logs.CtxInfo(ctx, "[scheduler] %s has no open tasks, nothing to remind", job.UserID)
			return nil
		}
		if err != nil {
			return err
		}
		return s.dispatcher.SendTaskReminder(ctx, job.UserID, task)
	case KindSystem:
		s.RunDailyRebuild(ctx)
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// reschedule adds the next occurrence unless a rebuild already put a newer
// job under the same key while this one was running.
func (s *Scheduler) reschedule(ctx context.Context, job Job, firedAt time.Time) {
	if ctx.Err() != nil {
		// keep the fired job's key occupied so a restart recomputes it
		s.store.PutIfAbsent(job)
		return
	}

	if job.Kind == KindSystem {
		s.store.Remove(job.Key)
		if err := s.ensureSystemJob(firedAt); err != nil {
			logs.CtxError(ctx, "[scheduler] reschedule daily rebuild: %v", err)
		}
		s.persist(ctx)
		return
	}
	if _, exists := s.store.Get(job.Key); exists {
		s.persist(ctx)
		return
	}

	profile, err := s.users.Profile(job.UserID)
	if err != nil {
		logs.CtxWarn(ctx, "[scheduler] reschedule %s: %v", job.Key, err)
		s.persist(ctx)
		return
	}
	rule, ok := ruleFor(profile, job.Key)
	if ok {
		from := firedAt
		if job.NextFireAt.After(from) {
			from = job.NextFireAt
		}
		next, err := s.next(profile, rule, from)
		if err == nil {
			fired := firedAt
			job.LastFiredAt = &fired
			job.Period = next.Period
			job.NextFireAt = next.At
			job.Rule = describeRule(rule)
			if s.store.PutIfAbsent(job) {
				s.SetWakeTimer(ctx, next.At, job.UserID, job.Category, next.Period)
			}
		} else if !errors.Is(err, errNoOccurrence) {
			logs.CtxWarn(ctx, "[scheduler] reschedule %s: %v", job.Key, err)
		}
	}
	s.persist(ctx)
}

func (s *Scheduler) persist(ctx context.Context) {
	if err := s.store.Save(); err != nil {
		logs.CtxWarn(ctx, "[scheduler] persist job table: %v", err)
	}
}

func ruleFor(p *userdata.Profile, key Key) (userdata.Schedule, bool) {
	switch key.Kind {
	case KindMessage:
		for _, c := range p.Categories {
			if c.Name == key.Category && c.IsEnabled() {
				return c.Schedule, true
			}
		}
	case KindCheckIn:
		if p.CheckIn.IsEnabled() {
			return *p.CheckIn, true
		}
	case KindTaskReminder:
		if p.TaskReminders.IsEnabled() {
			return *p.TaskReminders, true
		}
	}
	return userdata.Schedule{}, false
}

// concurrency helpers

func (s *Scheduler) tryAcquire() bool {
	select {
	case s.concurrent <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) release() {
	<-s.concurrent
}

func (s *Scheduler) isRunning(key Key) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	_, ok := s.running[key]
	return ok
}

func (s *Scheduler) markRunning(key Key) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	s.running[key] = struct{}{}
}

func (s *Scheduler) markNotRunning(key Key) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, key)
}
