package http

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/gg/gconv"

	"github.com/tgifai/nudge/internal/channel"
)

type Config struct {
	// APIKey is an optional bearer token for authenticating incoming requests.
	// When set, requests must include "Authorization: Bearer <api_key>".
	APIKey string

	// WebhookURL receives outbound messages as JSON POSTs. Empty keeps
	// outbound messages in the in-memory outbox.
	WebhookURL string

	// HealthURL is probed with GET by HealthCheck. Empty means always healthy.
	HealthURL string

	// ReplyTimeout bounds how long an inbound request waits for a reply.
	ReplyTimeout time.Duration

	// OutboxSize caps buffered messages per chat.
	OutboxSize int
}

func (c *Config) Validate() error {
	for _, raw := range []string{c.WebhookURL, c.HealthURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid url %q", raw)
		}
	}
	if c.ReplyTimeout < 0 {
		return errors.New("reply_timeout_sec cannot be negative")
	}
	return nil
}

func (c *Config) GetType() channel.Type {
	return channel.HTTP
}

func ParseConfig(configMap map[string]interface{}) (*Config, error) {
	cfg := &Config{
		APIKey:       gconv.To[string](configMap["api_key"]),
		WebhookURL:   gconv.To[string](configMap["webhook_url"]),
		HealthURL:    gconv.To[string](configMap["health_url"]),
		ReplyTimeout: time.Duration(gconv.To[int](configMap["reply_timeout_sec"])) * time.Second,
		OutboxSize:   gconv.To[int](configMap["outbox_size"]),
	}
	if _, ok := configMap["reply_timeout_sec"]; !ok {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 100
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http config: %w", err)
	}
	return cfg, nil
}
