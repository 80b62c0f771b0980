package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tgifai/nudge/internal/consts"
)

const (
	defaultDedupWindowDays  = 60
	defaultDedupWindowCount = 50
	defaultPeriodSplit      = 0.7
	defaultAuditRetention   = 90
	defaultDailyRebuild     = "5 0 * * *"
)

var supportedChannelTypes = map[string]struct{}{
	"telegram": {},
	"lark":     {},
	"http":     {},
}

// Validate fills defaults and rejects values nudge cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	c.validateService()
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	c.validateRetry()
	c.validateHealth()
	c.validateFlow()

	normalized := make(map[string]ChannelConfig, len(c.Channels))
	for key, one := range c.Channels {
		channelID := strings.TrimSpace(key)
		if channelID == "" {
			return errors.New("channel id cannot be empty")
		}
		one.ID = channelID
		one.Type = strings.ToLower(strings.TrimSpace(one.Type))
		if _, ok := supportedChannelTypes[one.Type]; !ok {
			return fmt.Errorf("channel %s: unsupported type %q", channelID, one.Type)
		}
		if one.Config == nil {
			one.Config = map[string]interface{}{}
		}
		normalized[channelID] = one
	}
	c.Channels = normalized
	return nil
}

func (c *Config) validateService() {
	if strings.TrimSpace(c.Service.Bind) == "" {
		c.Service.Bind = "127.0.0.1:8787"
	}
	if c.Service.RequestTimeout <= 0 {
		c.Service.RequestTimeout = 30
	}
	c.Service.DataDir = strings.TrimSpace(c.Service.DataDir)
	if c.Service.DataDir == "" {
		c.Service.DataDir = consts.DefaultDataDir()
	}
	c.Service.DataDir = filepath.Clean(c.Service.DataDir)
	if c.Service.StopTimeoutSec <= 0 {
		c.Service.StopTimeoutSec = 10
	}
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.TickIntervalSec <= 0 {
		c.Scheduler.TickIntervalSec = 15
	}
	if c.Scheduler.JobTimeoutSec <= 0 {
		c.Scheduler.JobTimeoutSec = 120
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = 4
	}
	if c.Scheduler.MissedGraceMin <= 0 {
		c.Scheduler.MissedGraceMin = 120
	}
	if c.Scheduler.WakeTimers == nil {
		enabled := true
		c.Scheduler.WakeTimers = &enabled
	}
	c.Scheduler.DailyRebuild = strings.TrimSpace(c.Scheduler.DailyRebuild)
	if c.Scheduler.DailyRebuild == "" {
		c.Scheduler.DailyRebuild = defaultDailyRebuild
	}
	if _, err := cron.ParseStandard(c.Scheduler.DailyRebuild); err != nil {
		return fmt.Errorf("scheduler.daily_rebuild: %w", err)
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.DedupWindowDays <= 0 {
		c.Dispatch.DedupWindowDays = defaultDedupWindowDays
	}
	if c.Dispatch.DedupWindowCount <= 0 {
		c.Dispatch.DedupWindowCount = defaultDedupWindowCount
	}
	if c.Dispatch.PeriodSplit == 0 {
		c.Dispatch.PeriodSplit = defaultPeriodSplit
	}
	if c.Dispatch.PeriodSplit < 0 || c.Dispatch.PeriodSplit > 1 {
		return fmt.Errorf("dispatch.period_split must be within [0,1], got %v", c.Dispatch.PeriodSplit)
	}
	if c.Dispatch.AuditRetention <= 0 {
		c.Dispatch.AuditRetention = defaultAuditRetention
	}
	if len(c.Dispatch.FlowCategories) == 0 {
		c.Dispatch.FlowCategories = []string{consts.CategoryCheckIn, consts.CategoryReply}
	}
	if c.Dispatch.SendTimeoutSec <= 0 {
		c.Dispatch.SendTimeoutSec = 30
	}
	return nil
}

func (c *Config) validateRetry() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelaySec <= 0 {
		c.Retry.BaseDelaySec = 30
	}
	if c.Retry.MaxDelaySec <= 0 {
		c.Retry.MaxDelaySec = 3600
	}
	if c.Retry.MaxDelaySec < c.Retry.BaseDelaySec {
		c.Retry.MaxDelaySec = c.Retry.BaseDelaySec
	}
	if c.Retry.PollIntervalSec <= 0 {
		c.Retry.PollIntervalSec = 5
	}
}

func (c *Config) validateHealth() {
	if c.Health.PollIntervalSec <= 0 {
		c.Health.PollIntervalSec = 60
	}
	if c.Health.ReconnectThreshold <= 0 {
		c.Health.ReconnectThreshold = 3
	}
	if c.Health.ProbeTimeoutSec <= 0 {
		c.Health.ProbeTimeoutSec = 10
	}
}

func (c *Config) validateFlow() {
	if c.Flow.TimeoutMin <= 0 {
		c.Flow.TimeoutMin = 10
	}
	if c.Flow.QuestionsPerFlow <= 0 {
		c.Flow.QuestionsPerFlow = 3
	}
	if c.Flow.RecentWindow <= 0 {
		c.Flow.RecentWindow = 3
	}
	if c.Flow.SweepIntervalSec <= 0 {
		c.Flow.SweepIntervalSec = 30
	}
}
