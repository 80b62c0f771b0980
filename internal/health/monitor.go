package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/pkg/logs"
	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
)

// ChannelHealth is the last known connectivity of one channel.
type ChannelHealth struct {
	ChannelID           string               `json:"channel_id"`
	Status              channel.HealthStatus `json:"status"`
	LastChecked         time.Time            `json:"last_checked"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastError           string               `json:"last_error,omitempty"`
}

// ChannelSource lists the channels to probe. It is read on every poll so
// channels registered after Start are picked up.
type ChannelSource func() []channel.Channel

// Monitor polls channel health checks in the background. It logs only when
// a channel's status changes and asks Reconnectors to reconnect after
// ReconnectThreshold consecutive failures.
type Monitor struct {
	cfg     config.HealthConfig
	sources ChannelSource
	now     func() time.Time

	mu     sync.RWMutex
	status map[string]*ChannelHealth

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewMonitor(cfg config.HealthConfig, sources ChannelSource) *Monitor {
	return &Monitor{
		cfg:     cfg,
		sources: sources,
		now:     time.Now,
		status:  make(map[string]*ChannelHealth),
	}
}

// Start launches the polling loop; a running monitor ignores the call.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		m.loop(ctx)
	}()
	logs.CtxInfo(ctx, "[health] monitor started (interval=%ds)", m.cfg.PollIntervalSec)
}

// Stop signals the loop and waits until it exits or ctx expires.
func (m *Monitor) Stop(ctx context.Context) {
	m.lifecycleMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
		logs.CtxInfo(ctx, "[health] monitor stopped")
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[health] stop timed out waiting for probes")
	}
}

func (m *Monitor) loop(ctx context.Context) {
	interval := time.Duration(m.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	m.PollOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce probes every channel concurrently and waits for all probes.
func (m *Monitor) PollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range m.sources() {
		wg.Add(1)
		go func(ch channel.Channel) {
			defer wg.Done()
			m.probe(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, ch channel.Channel) {
	timeout := time.Duration(m.cfg.ProbeTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := safeHealthCheck(probeCtx, ch)
	if ctx.Err() != nil {
		return
	}
	failures := m.record(ctx, ch.ID(), err)

	if err != nil && failures > 0 && failures%m.threshold() == 0 {
		if r, ok := ch.(channel.Reconnector); ok {
			logs.CtxWarn(ctx, "[health] channel %s failed %d probes in a row, reconnecting", ch.ID(), failures)
			if rerr := r.Reconnect(ctx); rerr != nil {
				logs.CtxError(ctx, "[health] reconnect %s: %v", ch.ID(), rerr)
			}
		}
	}
}

// record updates status and returns the consecutive failure count.
func (m *Monitor) record(ctx context.Context, channelID string, err error) int {
	m.mu.Lock()
	h, ok := m.status[channelID]
	if !ok {
		h = &ChannelHealth{ChannelID: channelID, Status: channel.HealthUnknown}
		m.status[channelID] = h
	}
	prev := h.Status
	h.LastChecked = m.now()
	if err == nil {
		h.Status = channel.HealthHealthy
		h.ConsecutiveFailures = 0
		h.LastError = ""
	} else {
		h.Status = channel.HealthUnhealthy
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	}
	next, failures := h.Status, h.ConsecutiveFailures
	m.mu.Unlock()

	if next == channel.HealthHealthy {
		metrics.ChannelHealthy.WithLabelValues(channelID).Set(1)
	} else {
		metrics.ChannelHealthy.WithLabelValues(channelID).Set(0)
	}

	if prev != next {
		if next == channel.HealthHealthy {
			logs.CtxInfo(ctx, "[health] channel %s %s -> %s", channelID, prev, next)
		} else {
			logs.CtxWarn(ctx, "[health] channel %s %s -> %s: %v", channelID, prev, next, err)
		}
	}
	return failures
}

func (m *Monitor) threshold() int {
	if m.cfg.ReconnectThreshold <= 0 {
		return 3
	}
	return m.cfg.ReconnectThreshold
}

// Status returns the last known status; channels not yet probed are unknown.
func (m *Monitor) Status(channelID string) ChannelHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.status[channelID]; ok {
		return *h
	}
	return ChannelHealth{ChannelID: channelID, Status: channel.HealthUnknown}
}

// IsHealthy treats unknown as healthy so sends are not blocked before the
// first probe completes.
func (m *Monitor) IsHealthy(channelID string) bool {
	return m.Status(channelID).Status != channel.HealthUnhealthy
}

func (m *Monitor) Snapshot() []ChannelHealth {
	m.mu.RLock()
	out := make([]ChannelHealth, 0, len(m.status))
	for _, h := range m.status {
		out = append(out, *h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func safeHealthCheck(ctx context.Context, ch channel.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
			logs.CtxError(ctx, "[health] %s: %v\n%s", ch.ID(), r, debug.Stack())
		}
	}()
	return ch.HealthCheck(ctx)
}
