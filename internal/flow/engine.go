package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/pkg/keylock"
	"github.com/tgifai/nudge/internal/pkg/logs"
	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
	"github.com/tgifai/nudge/internal/userdata"
)

// History is the part of the user store a flow reads and writes.
type History interface {
	RecentCheckIns(userID string, n int) ([]userdata.CheckInRecord, error)
	AppendCheckIn(rec userdata.CheckInRecord) error
}

// Reply is what the engine wants sent back to the user.
type Reply struct {
	Text    string
	Flow    *Flow
	Invalid bool // the answer was rejected and the question re-asked
	Done    bool
}

// Engine runs check-in conversations. One flow per user is active at a time;
// operations on the same user are serialized.
type Engine struct {
	cfg     config.FlowConfig
	store   *Store
	history History
	bank    []Question
	byID    map[string]Question
	now     func() time.Time
	locks   *keylock.Map

	rngMu sync.Mutex
	rng   *rand.Rand

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithBank replaces the built-in question bank.
func WithBank(bank []Question) Option {
	return func(e *Engine) { e.bank = bank }
}

func NewEngine(cfg config.FlowConfig, store *Store, history History, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		history: history,
		bank:    DefaultBank(),
		now:     time.Now,
		locks:   keylock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		seed := uint64(e.now().UnixNano())
		e.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	e.byID = make(map[string]Question, len(e.bank))
	for _, q := range e.bank {
		e.byID[q.ID] = q
	}
	return e
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.TimeoutMin <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(e.cfg.TimeoutMin) * time.Minute
}

// Start begins a check-in for userID. When a flow is already in progress the
// current question is returned again together with ErrFlowActive.
func (e *Engine) Start(ctx context.Context, userID, channelID, destination string) (*Reply, error) {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	now := e.now()
	if cur, ok := e.store.Active(userID); ok {
		if !e.timedOut(cur, now) {
			return &Reply{Text: e.render(cur), Flow: cur}, ErrFlowActive
		}
		if err := e.finish(ctx, cur, StateExpired, ReasonTimeout, now); err != nil {
			return nil, err
		}
	}

	var recent []userdata.CheckInRecord
	if e.history != nil {
		var err error
		recent, err = e.history.RecentCheckIns(userID, e.cfg.RecentWindow)
		if err != nil {
			logs.CtxWarn(ctx, "[flow] recent check-ins for %s: %v", userID, err)
		}
	}

	e.rngMu.Lock()
	questions := SelectQuestions(e.bank, recent, e.cfg.QuestionsPerFlow, e.rng)
	e.rngMu.Unlock()
	if len(questions) == 0 {
		return nil, errors.New("question bank is empty")
	}

	f := &Flow{
		UserID:         userID,
		FlowType:       TypeCheckIn,
		State:          StateInProgress,
		ChannelID:      channelID,
		Destination:    destination,
		StartedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(e.timeout()),
	}
	for _, q := range questions {
		f.Remaining = append(f.Remaining, q.ID)
	}
	if err := e.store.PutActive(f); err != nil {
		return nil, fmt.Errorf("persist flow: %w", err)
	}
	metrics.FlowTransitionsTotal.WithLabelValues(f.FlowType, string(StateInProgress), "").Inc()
	logs.CtxInfo(ctx, "[flow] started %s for %s (%d questions)", f.FlowType, userID, len(f.Remaining))

	text := fmt.Sprintf("Time for a quick check-in (%d questions).\n\n%s", len(f.Remaining), e.render(f))
	return &Reply{Text: text, Flow: f.clone()}, nil
}

// Answer feeds one user reply into the active flow. An answer that does not
// parse leaves the flow unchanged and re-asks the question with a hint.
func (e *Engine) Answer(ctx context.Context, userID, text string) (*Reply, error) {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	now := e.now()
	f, ok := e.store.Active(userID)
	if !ok {
		return nil, ErrNoActiveFlow
	}
	if e.timedOut(f, now) {
		if err := e.finish(ctx, f, StateExpired, ReasonTimeout, now); err != nil {
			return nil, err
		}
		return nil, ErrNoActiveFlow
	}

	// Questions removed from the bank since the flow started are skipped.
	for len(f.Remaining) > 0 {
		if _, known := e.byID[f.Remaining[0]]; known {
			break
		}
		f.Remaining = f.Remaining[1:]
	}
	if len(f.Remaining) == 0 {
		return e.complete(ctx, f, now)
	}

	q := e.byID[f.Remaining[0]]
	value, err := q.Parse(text)
	if err != nil {
		return &Reply{Text: q.Hint() + "\n\n" + q.Render(f.Answers), Flow: f, Invalid: true}, nil
	}

	f.Answers = append(f.Answers, userdata.Answer{QuestionID: q.ID, Category: q.Category, Value: value})
	f.Asked = append(f.Asked, q.ID)
	f.Remaining = f.Remaining[1:]
	f.LastActivityAt = now
	f.ExpiresAt = now.Add(e.timeout())

	if len(f.Remaining) == 0 {
		return e.complete(ctx, f, now)
	}
	if err := e.store.PutActive(f); err != nil {
		return nil, fmt.Errorf("persist flow: %w", err)
	}
	return &Reply{Text: e.render(f), Flow: f}, nil
}

// Cancel ends the user's active flow on request.
func (e *Engine) Cancel(ctx context.Context, userID string) (bool, error) {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	f, ok := e.store.Active(userID)
	if !ok {
		return false, nil
	}
	return true, e.finish(ctx, f, StateCancelled, ReasonUserCancelled, e.now())
}

// Expire moves an in-progress flow to EXPIRED with the given reason. A flow
// whose inactivity deadline already passed records the timeout instead. It
// is a no-op when the user has no active flow.
func (e *Engine) Expire(ctx context.Context, userID, reason string) (bool, error) {
	e.locks.Lock(userID)
	defer e.locks.Unlock(userID)

	f, ok := e.store.Active(userID)
	if !ok || f.State != StateInProgress {
		return false, nil
	}
	now := e.now()
	if e.timedOut(f, now) {
		reason = ReasonTimeout
	}
	return true, e.finish(ctx, f, StateExpired, reason, now)
}

// ExpireOnUnrelatedSend is called after a confirmed outbound send that does
// not belong to a flow.
func (e *Engine) ExpireOnUnrelatedSend(ctx context.Context, userID string) {
	expired, err := e.Expire(ctx, userID, ReasonUnrelatedOutbound)
	if err != nil {
		logs.CtxWarn(ctx, "[flow] expire %s after unrelated send: %v", userID, err)
		return
	}
	if expired {
		logs.CtxInfo(ctx, "[flow] %s expired by an unrelated outbound message", userID)
	}
}

// Sweep expires every flow whose inactivity deadline has passed and returns
// how many were expired.
func (e *Engine) Sweep(ctx context.Context) int {
	n := 0
	for _, f := range e.store.ListActive() {
		if !e.timedOut(f, e.now()) {
			continue
		}
		e.locks.Lock(f.UserID)
		cur, ok := e.store.Active(f.UserID)
		now := e.now()
		if ok && e.timedOut(cur, now) {
			if err := e.finish(ctx, cur, StateExpired, ReasonTimeout, now); err != nil {
				logs.CtxWarn(ctx, "[flow] expire %s: %v", f.UserID, err)
			} else {
				n++
			}
		}
		e.locks.Unlock(f.UserID)
	}
	return n
}

// Active returns the user's flow if one is in progress.
func (e *Engine) Active(userID string) (*Flow, bool) {
	return e.store.Active(userID)
}

// Ended returns the user's most recently finished flow.
func (e *Engine) Ended(userID string) (*Flow, bool) {
	return e.store.Ended(userID)
}

func (e *Engine) ActiveCount() int {
	return len(e.store.ListActive())
}

// List returns active flows followed by the last ended flow of each user.
func (e *Engine) List() []*Flow {
	return append(e.store.ListActive(), e.store.ListEnded()...)
}

// StartSweeper runs Sweep periodically until StopSweeper.
func (e *Engine) StartSweeper(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.cancel != nil {
		return
	}
	interval := time.Duration(e.cfg.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Sweep(ctx); n > 0 {
					logs.CtxInfo(ctx, "[flow] sweep expired %d flow(s)", n)
				}
			}
		}
	}()
}

func (e *Engine) StopSweeper(ctx context.Context) {
	e.lifecycleMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[flow] stop timed out waiting for the sweeper")
	}
}

func (e *Engine) timedOut(f *Flow, now time.Time) bool {
	return f.State == StateInProgress && !now.Before(f.ExpiresAt)
}

func (e *Engine) render(f *Flow) string {
	q, ok := e.byID[f.Current()]
	if !ok {
		return ""
	}
	return q.Render(f.Answers)
}

func (e *Engine) complete(ctx context.Context, f *Flow, now time.Time) (*Reply, error) {
	if e.history != nil {
		rec := userdata.CheckInRecord{
			UserID:      f.UserID,
			FlowType:    f.FlowType,
			StartedAt:   f.StartedAt,
			CompletedAt: now,
			Answers:     f.Answers,
		}
		if err := e.history.AppendCheckIn(rec); err != nil {
			logs.CtxWarn(ctx, "[flow] record check-in for %s: %v", f.UserID, err)
		}
	}
	if err := e.finish(ctx, f, StateCompleted, "", now); err != nil {
		return nil, err
	}
	return &Reply{Text: "Thanks, your check-in is complete.", Flow: f, Done: true}, nil
}

// finish must be called with the user's lock held.
func (e *Engine) finish(ctx context.Context, f *Flow, state State, reason string, now time.Time) error {
	f.State = state
	f.Reason = reason
	f.EndedAt = &now
	if err := e.store.Finish(f); err != nil {
		return fmt.Errorf("persist flow: %w", err)
	}
	metrics.FlowTransitionsTotal.WithLabelValues(f.FlowType, string(state), reason).Inc()
	logs.CtxInfo(ctx, "[flow] %s for %s -> %s %s", f.FlowType, f.UserID, state, reason)
	return nil
}
