package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	hzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hzprom "github.com/hertz-contrib/monitor-prometheus"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/channel/http"
	"github.com/tgifai/nudge/internal/channel/lark"
	"github.com/tgifai/nudge/internal/channel/telegram"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/dispatch"
	"github.com/tgifai/nudge/internal/flow"
	"github.com/tgifai/nudge/internal/pkg/logs"
	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
	"github.com/tgifai/nudge/internal/scheduler"
	"github.com/tgifai/nudge/internal/userdata"
	"github.com/tgifai/nudge/internal/wake"
)

// Service wires channels, the scheduler, the dispatch orchestrator and the
// flow engine into one long-running process.
type Service struct {
	cfg        *config.Config
	users      *userdata.FileStore
	channels   *channel.Registry
	flows      *flow.Engine
	orch       *dispatch.Orchestrator
	sched      *scheduler.Scheduler
	msgQueue   *MessageQueue
	commands   *CommandRouter
	httpServer *server.Hertz

	runCtx    context.Context
	runCancel context.CancelFunc
	watchDone chan struct{}

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

type Option func(*serviceOptions)

type serviceOptions struct {
	now  func() time.Time
	wake wake.Timer
}

func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithWakeTimer overrides the OS wake timer chosen from configuration.
func WithWakeTimer(t wake.Timer) Option {
	return func(o *serviceOptions) { o.wake = t }
}

// NewService builds every component from cfg. Nothing runs until Start.
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	o := &serviceOptions{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	dataDir := cfg.Service.DataDir
	users := userdata.NewFileStore(dataDir)
	registry := channel.NewRegistry()

	flowStore := flow.NewStore(filepath.Join(dataDir, consts.FlowStoreFile))
	if err := flowStore.Load(); err != nil {
		logs.Warn("[service] flow store unreadable, starting with no active flows: %v", err)
	}
	flows := flow.NewEngine(cfg.Flow, flowStore, users, flow.WithClock(o.now))
	orch := dispatch.NewOrchestrator(cfg, users, registry, flows, dispatch.WithClock(o.now))

	if o.wake == nil {
		o.wake = newWakeTimer(cfg, dataDir)
	}
	sched := scheduler.NewScheduler(cfg, users, orch, scheduler.WithClock(o.now), scheduler.WithWakeTimer(o.wake))

	svc := &Service{
		cfg:      cfg,
		users:    users,
		channels: registry,
		flows:    flows,
		orch:     orch,
		sched:    sched,
		msgQueue: newMessageQueue(QueueOptions{LaneBuffer: 10, MaxConcurrent: cfg.Scheduler.MaxConcurrent * 4}),
		commands: newCommandRouter(),
	}
	registerBuiltinCommands(svc.commands)
	svc.httpServer = newHTTPServer(cfg.Service)
	return svc, nil
}

func newWakeTimer(cfg *config.Config, dataDir string) wake.Timer {
	if cfg.Scheduler.WakeTimers != nil && !*cfg.Scheduler.WakeTimers {
		return wake.Disabled{}
	}
	command := strings.TrimSpace(cfg.Scheduler.WakeCommand)
	if command == "" {
		command = wake.DefaultCommand()
	}
	backend := wake.DetectBackend(wake.ExecRunner)
	reg := wake.NewRegistry(dataDir, backend, command)
	reg.Load(context.Background())
	logs.Info("[service] wake timers via %s", backend.Name())
	return reg
}

func newHTTPServer(cfg config.ServiceConfig) *server.Hertz {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	hlog.SetLogger(logs.NewHlogLogger(logs.DefaultLogger()))
	opts := []hzconfig.Option{
		server.WithHostPorts(cfg.Bind),
		server.WithReadTimeout(timeout),
		server.WithWriteTimeout(timeout),
		server.WithExitWaitTime(3 * time.Second),
	}
	// The tracer records request metrics into the shared registry; it only
	// serves them itself when a dedicated metrics address is configured.
	tracer := hzprom.NewServerTracer(cfg.MetricsBind, "/metrics",
		hzprom.WithRegistry(metrics.GetRegistry()),
		hzprom.WithDisableServer(cfg.MetricsBind == ""),
	)
	opts = append(opts, server.WithTracer(tracer))
	return server.Default(opts...)
}

func (s *Service) Users() *userdata.FileStore           { return s.users }
func (s *Service) Flows() *flow.Engine                  { return s.flows }
func (s *Service) Orchestrator() *dispatch.Orchestrator { return s.orch }
func (s *Service) Scheduler() *scheduler.Scheduler      { return s.sched }
func (s *Service) Channels() *channel.Registry          { return s.channels }

// Start brings up channels, background workers, the scheduler and the HTTP
// server. A channel that fails to initialize is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	s.msgQueue.Init(s.runCtx, s.processMessage)
	s.initHTTPRoutes()
	s.initChannels(s.runCtx, s.cfg.Channels)

	s.orch.StartAll(s.runCtx)
	s.flows.StartSweeper(s.runCtx)
	if err := s.sched.Start(s.runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.watchDone = make(chan struct{})
	go s.watchUsers(s.runCtx)
	go s.httpServer.Spin()

	s.started = true
	logs.CtxInfo(ctx, "[service] started with %d channel(s), listening on %s", s.channels.Len(), s.cfg.Service.Bind)
	return nil
}

// Stop shuts everything down within service.stop_timeout_sec. Components
// that do not stop in time are logged and abandoned.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		wait := time.Duration(s.cfg.Service.StopTimeoutSec) * time.Second
		if wait <= 0 {
			wait = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		s.sched.Stop(ctx)
		s.flows.StopSweeper(ctx)
		s.orch.StopAll(ctx)

		if s.runCancel != nil {
			s.runCancel()
		}
		for _, ch := range s.channels.List() {
			if err := ch.Stop(ctx); err != nil {
				logs.CtxWarn(ctx, "[service] stop channel %s error: %v", ch.ID(), err)
			}
		}
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logs.CtxWarn(ctx, "[service] shutdown http server error: %v", err)
		}
		s.msgQueue.Wait(ctx)
		if s.watchDone != nil {
			select {
			case <-s.watchDone:
			case <-ctx.Done():
				logs.CtxWarn(ctx, "[service] user data watcher did not stop in time")
			}
		}
		logs.CtxInfo(ctx, "[service] all resources stopped")
	})
	return nil
}

func (s *Service) initChannels(ctx context.Context, channels map[string]config.ChannelConfig) {
	for id, cfg := range channels {
		cfg.ID = id
		if !cfg.Enabled {
			logs.CtxInfo(ctx, "[service] channel #%s is disabled, skipping", id)
			continue
		}

		ch, err := NewChannel(id, cfg)
		if err != nil {
			logs.CtxError(ctx, "[service] create channel #%s error: %v", id, err)
			continue
		}
		if err := s.AddChannel(ctx, ch); err != nil {
			logs.CtxError(ctx, "[service] register channel #%s error: %v", id, err)
		}
	}
}

// AddChannel registers ch, mounts its HTTP routes and starts its receive
// loop.
func (s *Service) AddChannel(ctx context.Context, ch channel.Channel) error {
	if err := ch.RegisterMessageHandler(s.enqueueMsg); err != nil {
		return fmt.Errorf("register handler: %w", err)
	}
	if err := s.channels.Register(ch); err != nil {
		return err
	}
	if rp, ok := ch.(channel.RouteProvider); ok {
		for _, r := range rp.Routes() {
			s.httpServer.Handle(r.Method, r.Path, r.Handler)
		}
	}

	go func() {
		logs.CtxInfo(ctx, "[service] starting channel #%s (%s)", ch.ID(), ch.Type())
		if err := ch.Start(ctx); err != nil {
			logs.CtxError(ctx, "[service] channel #%s stopped with error: %v", ch.ID(), err)
		}
	}()
	return nil
}

// NewChannel builds a channel adapter from its config entry.
func NewChannel(id string, cfg config.ChannelConfig) (channel.Channel, error) {
	switch channel.Type(strings.ToLower(strings.TrimSpace(cfg.Type))) {
	case channel.Telegram:
		return telegram.NewChannel(id, &cfg)
	case channel.Lark:
		return lark.NewChannel(id, &cfg)
	case channel.HTTP:
		return http.NewChannel(id, &cfg)
	default:
		return nil, fmt.Errorf("unsupported channel type: %s", cfg.Type)
	}
}

// watchUsers rebuilds a user's schedule whenever their files change.
func (s *Service) watchUsers(ctx context.Context) {
	defer close(s.watchDone)
	err := s.users.Watch(ctx, func(userID string) {
		if err := s.sched.RebuildUser(ctx, userID); err != nil {
			logs.CtxWarn(ctx, "[service] rebuild %s after change: %v", userID, err)
			return
		}
		logs.CtxInfo(ctx, "[service] rebuilt schedule for %s after file change", userID)
	})
	if err != nil {
		logs.CtxWarn(ctx, "[service] user data watcher stopped: %v", err)
	}
}
