package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60, cfg.Dispatch.DedupWindowDays)
	assert.Equal(t, 50, cfg.Dispatch.DedupWindowCount)
	assert.InDelta(t, 0.7, cfg.Dispatch.PeriodSplit, 1e-9)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10, cfg.Flow.TimeoutMin)
	assert.Equal(t, defaultDailyRebuild, cfg.Scheduler.DailyRebuild)
	require.NotNil(t, cfg.Scheduler.WakeTimers)
	assert.True(t, *cfg.Scheduler.WakeTimers)
	assert.NotEmpty(t, cfg.Service.DataDir)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad split", Config{Dispatch: DispatchConfig{PeriodSplit: 1.5}}},
		{"bad cron", Config{Scheduler: SchedulerConfig{DailyRebuild: "not a cron"}}},
		{"bad channel type", Config{Channels: map[string]ChannelConfig{"x": {Type: "pigeon"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestInstanceManager_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := &Config{
		Channels: map[string]ChannelConfig{
			"tg": {Type: "Telegram", Enabled: true, Config: map[string]interface{}{"token": "x"}},
		},
	}
	ins := &InstanceManager{}
	require.NoError(t, ins.Init(path, cfg))
	require.NoError(t, ins.Save())

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := (&InstanceManager{}).Load(path)
	require.NoError(t, err)
	require.Contains(t, loaded.Channels, "tg")
	assert.Equal(t, "telegram", loaded.Channels["tg"].Type)
	assert.Equal(t, "tg", loaded.Channels["tg"].ID)
}
