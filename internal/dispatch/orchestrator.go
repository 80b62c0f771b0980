package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/gg/gslice"
	"github.com/google/uuid"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/flow"
	"github.com/tgifai/nudge/internal/health"
	"github.com/tgifai/nudge/internal/pkg/logs"
	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
	"github.com/tgifai/nudge/internal/retry"
	"github.com/tgifai/nudge/internal/scheduler"
	"github.com/tgifai/nudge/internal/userdata"
)

var ErrNoDestination = errors.New("no destination for user")

// Channels looks up channel adapters by id. *channel.Registry satisfies it.
type Channels interface {
	Get(id string) (channel.Channel, error)
	List() []channel.Channel
}

// Flows is the part of the flow engine the orchestrator drives.
type Flows interface {
	Start(ctx context.Context, userID, channelID, destination string) (*flow.Reply, error)
	ExpireOnUnrelatedSend(ctx context.Context, userID string)
}

// Outbound is one message to deliver. ChannelID and Destination override
// the route resolved from the user's profile.
type Outbound struct {
	UserID      string
	Category    string
	Period      string
	MessageID   string
	Text        string
	ChannelID   string
	Destination string
}

// Orchestrator is the single entry point for sending a user a message. It
// owns the retry worker and the channel health monitor.
type Orchestrator struct {
	cfg      config.DispatchConfig
	users    userdata.Store
	channels Channels
	flows    Flows
	retry    *retry.Worker
	health   *health.Monitor
	now      func() time.Time
	stopWait time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ scheduler.Dispatcher = (*Orchestrator)(nil)

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

func NewOrchestrator(cfg *config.Config, users userdata.Store, channels Channels, flows Flows, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.Dispatch,
		users:    users,
		channels: channels,
		flows:    flows,
		now:      time.Now,
		stopWait: time.Duration(cfg.Service.StopTimeoutSec) * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		seed := uint64(o.now().UnixNano())
		o.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if o.stopWait <= 0 {
		o.stopWait = 10 * time.Second
	}

	retryOpts := []retry.Option{
		retry.WithClock(o.now),
		retry.WithOnSuccess(o.onRetrySuccess),
		retry.WithOnDropped(o.onRetryDropped),
	}
	if cfg.Service.DataDir != "" {
		retryOpts = append(retryOpts, retry.WithSnapshot(filepath.Join(cfg.Service.DataDir, consts.RetryStoreFile)))
	}
	o.retry = retry.NewWorker(cfg.Retry, o.resend, retryOpts...)
	o.health = health.NewMonitor(cfg.Health, channels.List)
	return o
}

func (o *Orchestrator) Retry() *retry.Worker    { return o.retry }
func (o *Orchestrator) Health() *health.Monitor { return o.health }

// StartAll starts the retry worker and the health monitor. Both ignore
// repeated starts.
func (o *Orchestrator) StartAll(ctx context.Context) {
	o.retry.Start(ctx)
	o.health.Start(ctx)
	logs.CtxInfo(ctx, "[dispatch] background workers started")
}

// StopAll stops both workers, bounded by the configured stop timeout when
// ctx carries no deadline of its own.
func (o *Orchestrator) StopAll(ctx context.Context) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.stopWait)
		defer cancel()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.retry.Stop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.health.Stop(ctx)
	}()
	wg.Wait()
	logs.CtxInfo(ctx, "[dispatch] background workers stopped")
}

// SendScheduled picks a message for (user, category, period) and sends it.
// Finding no candidate is not an error and sends nothing.
func (o *Orchestrator) SendScheduled(ctx context.Context, userID, category, period string) error {
	profile, err := o.users.Profile(userID)
	if err != nil {
		return err
	}
	msgs, err := o.users.Messages(userID, category)
	if err != nil {
		return fmt.Errorf("load %s messages for %s: %w", category, userID, err)
	}
	history, err := o.users.SentHistory(userID, category)
	if err != nil {
		logs.CtxWarn(ctx, "[dispatch] sent history for %s/%s unavailable, dedup disabled: %v", userID, category, err)
	}

	now := o.now().In(profile.Location())
	window := DedupWindow{Days: o.cfg.DedupWindowDays, Count: o.cfg.DedupWindowCount}
	o.rngMu.Lock()
	sel, ok := SelectMessage(msgs, history, period, now, window, o.cfg.PeriodSplit, o.rng)
	o.rngMu.Unlock()
	if !ok {
		logs.CtxInfo(ctx, "[dispatch] no candidate for %s/%s period=%s", userID, category, period)
		return nil
	}
	if sel.Fallback {
		logs.CtxInfo(ctx, "[dispatch] dedup window exhausted for %s/%s, reusing %s", userID, category, sel.Message.ID)
	}

	_, err = o.Send(ctx, Outbound{
		UserID:    userID,
		Category:  category,
		Period:    period,
		MessageID: sel.Message.ID,
		Text:      sel.Message.Text,
	})
	return err
}

// SendCheckInPrompt starts a check-in flow and sends its first question. A
// flow already in progress is left alone.
func (o *Orchestrator) SendCheckInPrompt(ctx context.Context, userID string) error {
	if o.flows == nil {
		return errors.New("flow engine not configured")
	}
	profile, err := o.users.Profile(userID)
	if err != nil {
		return err
	}
	channelID, dest, err := o.route(profile, consts.CategoryCheckIn)
	if err != nil {
		o.audit(ctx, userdata.MessageRecord{UserID: userID, Category: consts.CategoryCheckIn, Status: userdata.StatusUnrouted, Error: err.Error()})
		return err
	}

	reply, err := o.flows.Start(ctx, userID, channelID, dest)
	if errors.Is(err, flow.ErrFlowActive) {
		logs.CtxInfo(ctx, "[dispatch] check-in for %s already in progress", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start check-in for %s: %w", userID, err)
	}

	_, err = o.Send(ctx, Outbound{
		UserID:      userID,
		Category:    consts.CategoryCheckIn,
		Text:        reply.Text,
		ChannelID:   channelID,
		Destination: dest,
	})
	return err
}

// SendTaskReminder formats and sends a reminder for task.
func (o *Orchestrator) SendTaskReminder(ctx context.Context, userID string, task userdata.Task) error {
	_, err := o.Send(ctx, Outbound{
		UserID:    userID,
		Category:  consts.CategoryTaskReminder,
		MessageID: task.ID,
		Text:      FormatTaskReminder(task),
	})
	return err
}

// Reply answers an inbound message on the channel it arrived on.
func (o *Orchestrator) Reply(ctx context.Context, userID, channelID, destination, text string) error {
	_, err := o.Send(ctx, Outbound{
		UserID:      userID,
		Category:    consts.CategoryReply,
		Text:        text,
		ChannelID:   channelID,
		Destination: destination,
	})
	return err
}

func FormatTaskReminder(task userdata.Task) string {
	var b strings.Builder
	b.WriteString("Reminder: ")
	b.WriteString(task.Title)
	var details []string
	if task.Priority != "" {
		details = append(details, "priority "+strings.ToLower(task.Priority))
	}
	if task.Due != "" {
		details = append(details, "due "+task.Due)
	}
	if len(details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(details, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Send delivers out synchronously. A transport failure queues the message
// for retry and is not returned as an error; the returned status says what
// happened. Only a confirmed send outside the flow categories expires the
// user's active flow.
func (o *Orchestrator) Send(ctx context.Context, out Outbound) (userdata.SendStatus, error) {
	channelID, dest := out.ChannelID, out.Destination
	if channelID == "" || dest == "" {
		profile, err := o.users.Profile(out.UserID)
		if err != nil {
			return "", err
		}
		if channelID == "" {
			channelID, dest, err = o.route(profile, out.Category)
		} else {
			dest = profile.Addresses[channelID]
			if dest == "" {
				err = fmt.Errorf("%w: %s has no address on %s", ErrNoDestination, out.UserID, channelID)
			}
		}
		if err != nil {
			o.audit(ctx, o.record(out, channelID, userdata.StatusUnrouted, 0, err))
			return userdata.StatusUnrouted, err
		}
		channelID, dest = o.preferHealthy(ctx, profile, out.Category, channelID, dest)
	}

	err := o.deliver(ctx, channelID, dest, out.Text)
	if err != nil {
		metrics.SendsTotal.WithLabelValues(channelID, "error").Inc()
		o.audit(ctx, o.record(out, channelID, userdata.StatusFailed, 0, err))
		id := o.retry.QueueFailedMessage(retry.Entry{
			UserID:      out.UserID,
			Category:    out.Category,
			ChannelID:   channelID,
			Destination: dest,
			Payload:     out.Text,
			MessageID:   out.MessageID,
			Period:      out.Period,
			LastError:   err.Error(),
		})
		logs.CtxWarn(ctx, "[dispatch] send %s/%s via %s failed, queued %s: %v", out.UserID, out.Category, channelID, id, err)
		return userdata.StatusFailed, nil
	}

	metrics.SendsTotal.WithLabelValues(channelID, "ok").Inc()
	o.audit(ctx, o.record(out, channelID, userdata.StatusSent, 0, nil))
	logs.CtxInfo(ctx, "[dispatch] sent %s/%s via %s (message=%s)", out.UserID, out.Category, channelID, out.MessageID)
	o.afterConfirmedSend(ctx, out.UserID, out.Category)
	return userdata.StatusSent, nil
}

func (o *Orchestrator) afterConfirmedSend(ctx context.Context, userID, category string) {
	if o.flows == nil || o.isFlowCategory(category) {
		return
	}
	o.flows.ExpireOnUnrelatedSend(ctx, userID)
}

func (o *Orchestrator) isFlowCategory(category string) bool {
	return gslice.Contains(o.cfg.FlowCategories, category)
}

// route resolves the channel for category: the category's own channel, then
// the profile default, then the only configured address.
func (o *Orchestrator) route(profile *userdata.Profile, category string) (string, string, error) {
	channelID := ""
	switch category {
	case consts.CategoryCheckIn:
		if profile.CheckIn != nil {
			channelID = profile.CheckIn.Channel
		}
	case consts.CategoryTaskReminder:
		if profile.TaskReminders != nil {
			channelID = profile.TaskReminders.Channel
		}
	default:
		for _, c := range profile.Categories {
			if c.Name == category {
				channelID = c.Channel
				break
			}
		}
	}
	if channelID == "" {
		channelID = profile.DefaultChannel
	}
	if channelID == "" && len(profile.Addresses) == 1 {
		for id := range profile.Addresses {
			channelID = id
		}
	}
	if channelID == "" {
		return "", "", fmt.Errorf("%w: %s has no channel for %s", ErrNoDestination, profile.ID, category)
	}
	dest := profile.Addresses[channelID]
	if dest == "" {
		return channelID, "", fmt.Errorf("%w: %s has no address on %s", ErrNoDestination, profile.ID, channelID)
	}
	return channelID, dest, nil
}

// preferHealthy switches to another of the user's channels when the resolved
// one is known to be unhealthy. With no healthy alternative the original
// route is kept and a failure goes through the retry queue.
func (o *Orchestrator) preferHealthy(ctx context.Context, profile *userdata.Profile, category, channelID, dest string) (string, string) {
	if o.health.IsHealthy(channelID) {
		return channelID, dest
	}
	ids := make([]string, 0, len(profile.Addresses))
	for id := range profile.Addresses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if id == channelID || profile.Addresses[id] == "" || !o.health.IsHealthy(id) {
			continue
		}
		if _, err := o.channels.Get(id); err != nil {
			continue
		}
		logs.CtxInfo(ctx, "[dispatch] %s unhealthy, sending %s/%s via %s", channelID, profile.ID, category, id)
		return id, profile.Addresses[id]
	}
	return channelID, dest
}

func (o *Orchestrator) deliver(ctx context.Context, channelID, dest, text string) (err error) {
	ch, err := o.channels.Get(channelID)
	if err != nil {
		return err
	}
	if o.cfg.SendTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.cfg.SendTimeoutSec)*time.Second)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
			logs.CtxError(ctx, "[dispatch] panic sending via %s: %v\n%s", channelID, r, debug.Stack())
		}
	}()
	return ch.SendMessage(ctx, dest, text)
}

func (o *Orchestrator) resend(ctx context.Context, e retry.Entry) error {
	err := o.deliver(ctx, e.ChannelID, e.Destination, e.Payload)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SendsTotal.WithLabelValues(e.ChannelID, result).Inc()
	return err
}

func (o *Orchestrator) onRetrySuccess(ctx context.Context, e retry.Entry) {
	o.audit(ctx, o.record(entryOutbound(e), e.ChannelID, userdata.StatusRetrySent, e.Attempts, nil))
	o.afterConfirmedSend(ctx, e.UserID, e.Category)
}

func (o *Orchestrator) onRetryDropped(ctx context.Context, e retry.Entry) {
	o.audit(ctx, o.record(entryOutbound(e), e.ChannelID, userdata.StatusDropped, e.Attempts, errors.New(e.LastError)))
}

func entryOutbound(e retry.Entry) Outbound {
	return Outbound{
		UserID:      e.UserID,
		Category:    e.Category,
		Period:      e.Period,
		MessageID:   e.MessageID,
		Text:        e.Payload,
		ChannelID:   e.ChannelID,
		Destination: e.Destination,
	}
}

func (o *Orchestrator) record(out Outbound, channelID string, status userdata.SendStatus, attempt int, err error) userdata.MessageRecord {
	rec := userdata.MessageRecord{
		UserID:    out.UserID,
		MessageID: out.MessageID,
		Category:  out.Category,
		Channel:   channelID,
		Period:    out.Period,
		Status:    status,
		Attempt:   attempt,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (o *Orchestrator) audit(ctx context.Context, rec userdata.MessageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now()
	}
	if err := o.users.AppendSent(rec); err != nil {
		logs.CtxWarn(ctx, "[dispatch] audit %s/%s: %v", rec.UserID, rec.Category, err)
	}
}
