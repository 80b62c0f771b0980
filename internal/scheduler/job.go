package scheduler

import (
	"strings"
	"time"
)

// Kind separates the job families that may share a category name.
type Kind string

const (
	KindMessage      Kind = "message"
	KindCheckIn      Kind = "checkin"
	KindTaskReminder Kind = "task_reminder"
	KindSystem       Kind = "system"
)

const systemUser = "_system"

// Key identifies the single outstanding job for a (user, category, kind).
type Key struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Kind     Kind   `json:"kind"`
}

func (k Key) String() string {
	return strings.Join([]string{k.UserID, k.Category, string(k.Kind)}, "|")
}

// Job is a one-shot in-process timer. After it fires the next occurrence is
// computed from Rule and stored under the same key.
type Job struct {
	Key
	Period      string     `json:"period"`
	Rule        string     `json:"rule"`
	Channel     string     `json:"channel,omitempty"`
	NextFireAt  time.Time  `json:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
