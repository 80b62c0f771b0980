package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/bytedance/sonic"
)

type (
	Config struct {
		Service   ServiceConfig            `yaml:"service"`
		Logging   LoggingConfig            `yaml:"logging"`
		Scheduler SchedulerConfig          `yaml:"scheduler"`
		Dispatch  DispatchConfig           `yaml:"dispatch"`
		Retry     RetryConfig              `yaml:"retry"`
		Health    HealthConfig             `yaml:"health"`
		Flow      FlowConfig               `yaml:"flow"`
		Channels  map[string]ChannelConfig `yaml:"channels"`
	}

	ServiceConfig struct {
		Bind           string `yaml:"bind"`
		RequestTimeout int    `yaml:"request_timeout"` // seconds
		DataDir        string `yaml:"data_dir"`
		MetricsBind    string `yaml:"metrics_bind"`
		StopTimeoutSec int    `yaml:"stop_timeout_sec"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
		Compress   bool   `yaml:"compress"`
	}

	SchedulerConfig struct {
		TickIntervalSec int    `yaml:"tick_interval_sec"`
		DailyRebuild    string `yaml:"daily_rebuild"` // 5-field cron expression
		WakeTimers      *bool  `yaml:"wake_timers"`
		WakeCommand     string `yaml:"wake_command"` // command the OS timer runs on wake
		JobTimeoutSec   int    `yaml:"job_timeout_sec"`
		MaxConcurrent   int    `yaml:"max_concurrent"`
		MissedGraceMin  int    `yaml:"missed_grace_min"` // late jobs older than this are skipped
	}

	DispatchConfig struct {
		DedupWindowDays  int      `yaml:"dedup_window_days"`
		DedupWindowCount int      `yaml:"dedup_window_count"`
		PeriodSplit      float64  `yaml:"period_split"` // probability of drawing from the period-specific pool
		AuditRetention   int      `yaml:"audit_retention_days"`
		FlowCategories   []string `yaml:"flow_categories"`
		SendTimeoutSec   int      `yaml:"send_timeout_sec"`
	}

	RetryConfig struct {
		MaxAttempts     int `yaml:"max_attempts"`
		BaseDelaySec    int `yaml:"base_delay_sec"`
		MaxDelaySec     int `yaml:"max_delay_sec"`
		PollIntervalSec int `yaml:"poll_interval_sec"`
	}

	HealthConfig struct {
		PollIntervalSec    int `yaml:"poll_interval_sec"`
		ReconnectThreshold int `yaml:"reconnect_threshold"`
		ProbeTimeoutSec    int `yaml:"probe_timeout_sec"`
	}

	FlowConfig struct {
		TimeoutMin       int `yaml:"timeout_min"`
		QuestionsPerFlow int `yaml:"questions_per_flow"`
		RecentWindow     int `yaml:"recent_window"`
		SweepIntervalSec int `yaml:"sweep_interval_sec"`
	}

	ChannelConfig struct {
		ID      string                 `yaml:"-"`
		Type    string                 `yaml:"type"` // telegram, lark, http
		Enabled bool                   `yaml:"enabled"`
		Config  map[string]interface{} `yaml:"config"`
	}
)

// Clone .
func (c *Config) Clone() (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("config is nil")
	}

	raw, err := sonic.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var cloned Config
	if err := sonic.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("unmarshal config clone: %w", err)
	}

	return &cloned, nil
}

// Hash .
func (c *Config) Hash() string {
	json := sonic.Config{SortMapKeys: true, UseNumber: true}.Froze()
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
