package service

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	metrics "github.com/tgifai/nudge/internal/pkg/prometheus"
)

func (s *Service) initHTTPRoutes() {
	s.httpServer.GET("/health", s.handleHealth)
	s.httpServer.GET("/metrics", adaptor.HertzHandler(promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})))

	api := s.httpServer.Group("/api/v1")
	api.GET("/jobs", s.handleListJobs)
	api.POST("/jobs/rebuild", s.handleRebuild)
	api.GET("/flows", s.handleListFlows)
	api.GET("/retry", s.handleRetryQueue)
}

func (s *Service) handleHealth(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{
		"status":       "ok",
		"channels":     s.orch.Health().Snapshot(),
		"jobs":         len(s.sched.ListJobs()),
		"retry_queue":  s.orch.Retry().QueueSize(),
		"active_flows": s.flows.ActiveCount(),
	})
}

func (s *Service) handleListJobs(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"jobs": s.sched.ListJobs()})
}

func (s *Service) handleListFlows(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"flows": s.flows.List()})
}

func (s *Service) handleRetryQueue(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"entries": s.orch.Retry().Entries()})
}

// handleRebuild rebuilds one user (?user=) or runs the full daily pass.
func (s *Service) handleRebuild(ctx context.Context, c *app.RequestContext) {
	userID := strings.TrimSpace(c.Query("user"))
	if userID == "" {
		ok, failed := s.sched.RunDailyRebuild(ctx)
		c.JSON(consts.StatusOK, utils.H{"rebuilt": ok, "failed": failed})
		return
	}
	if err := s.sched.RebuildUser(ctx, userID); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"rebuilt": 1, "failed": 0})
}
