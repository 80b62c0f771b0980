package telegram

import (
	"errors"
	"fmt"

	"github.com/bytedance/gg/gconv"

	"github.com/tgifai/nudge/internal/channel"
)

type Config struct {
	Token        string // Telegram Bot Token
	AllowedUsers []int64
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram bot token cannot be empty")
	}
	return nil
}

func (c *Config) GetType() channel.Type {
	return channel.Telegram
}

func ParseConfig(configMap map[string]interface{}) (*Config, error) {
	config := &Config{}

	token := gconv.To[string](configMap["token"])
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	config.Token = token

	if allowedUsersRaw, ok := configMap["allowed_users"].([]interface{}); ok && len(allowedUsersRaw) > 0 {
		config.AllowedUsers = make([]int64, 0, len(allowedUsersRaw))
		for _, u := range allowedUsersRaw {
			userID := gconv.To[int64](u)
			if userID == 0 {
				return nil, fmt.Errorf("invalid user ID: %v", u)
			}
			config.AllowedUsers = append(config.AllowedUsers, userID)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telegram config: %w", err)
	}

	return config, nil
}
