package channel

import (
	"errors"
)

var (
	ErrUnsupportedOperation = errors.New("channel operation is not supported")
	ErrChannelNotFound      = errors.New("channel not found")
)

type Type string

const (
	Telegram Type = "telegram"

	Lark Type = "lark"

	HTTP Type = "http"
)

var SupportedChannels = []Type{
	Telegram,
	Lark,
	HTTP,
}

// Message is a normalized inbound message from any transport.
type Message struct {
	ID          string
	ChannelID   string
	ChannelType Type
	UserID      string // transport-level sender id
	ChatID      string // address replies go to
	Content     string
	SessionKey  string
	Metadata    map[string]string
}

// HealthStatus is the connectivity state reported by the health monitor.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)
