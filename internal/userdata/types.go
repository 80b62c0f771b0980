package userdata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/gg/gmap"

	"github.com/tgifai/nudge/internal/consts"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidPeriod = errors.New("invalid period window")
)

const dueDateLayout = "2006-01-02"

// Schedule says when something recurs: either on Days within named Periods,
// or by a cron rule. Cron wins when both are set.
type Schedule struct {
	Days    []string `yaml:"days,omitempty"`
	Periods []string `yaml:"periods,omitempty"`
	Cron    string   `yaml:"cron,omitempty"`
	Channel string   `yaml:"channel,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

func (s *Schedule) IsEnabled() bool {
	return s != nil && (s.Enabled == nil || *s.Enabled)
}

type CategorySchedule struct {
	Name     string `yaml:"name"`
	Schedule `yaml:",inline"`
}

type Profile struct {
	ID             string             `yaml:"-"`
	Timezone       string             `yaml:"timezone"`
	DefaultChannel string             `yaml:"default_channel"`
	Addresses      map[string]string  `yaml:"addresses"`
	Periods        map[string]string  `yaml:"periods"`
	Categories     []CategorySchedule `yaml:"categories"`
	CheckIn        *Schedule          `yaml:"checkin,omitempty"`
	TaskReminders  *Schedule          `yaml:"task_reminders,omitempty"`
}

// Location falls back to UTC on an empty or unknown zone.
func (p *Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Window returns the [start, end) minutes-of-day for a named period.
// "ALL" spans the whole day.
func (p *Profile) Window(period string) (start, end int, err error) {
	if strings.EqualFold(period, consts.PeriodAll) {
		return 0, 24 * 60, nil
	}
	raw, ok := p.Periods[period]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q not defined", ErrInvalidPeriod, period)
	}
	return ParseWindow(raw)
}

// ActivePeriod returns the alphabetically first named period containing t,
// or "ALL".
func (p *Profile) ActivePeriod(t time.Time) string {
	local := t.In(p.Location())
	minute := local.Hour()*60 + local.Minute()
	names := gmap.Keys(p.Periods)
	sort.Strings(names)
	for _, name := range names {
		start, end, err := ParseWindow(p.Periods[name])
		if err != nil {
			continue
		}
		if minute >= start && minute < end {
			return name
		}
	}
	return consts.PeriodAll
}

// ParseWindow parses "HH:MM-HH:MM". Windows may not cross midnight.
func ParseWindow(raw string) (start, end int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	if start, err = parseClock(parts[0]); err != nil {
		return 0, 0, err
	}
	if end, err = parseClock(parts[1]); err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("%w: %q ends before it starts", ErrInvalidPeriod, raw)
	}
	return start, end, nil
}

func parseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: bad clock %q", ErrInvalidPeriod, raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Message is one entry of a category pool.
type Message struct {
	ID      string   `yaml:"id"`
	Text    string   `yaml:"text"`
	Days    []string `yaml:"days,omitempty"`
	Periods []string `yaml:"periods,omitempty"`
}

// InPeriod reports whether the message targets period. A message with no
// periods is treated as "ALL".
func (m *Message) InPeriod(period string) bool {
	if len(m.Periods) == 0 {
		return strings.EqualFold(period, consts.PeriodAll)
	}
	for _, p := range m.Periods {
		if strings.EqualFold(p, period) {
			return true
		}
	}
	return false
}

// OnDay reports whether the message may be sent on weekday d.
func (m *Message) OnDay(d time.Weekday) bool {
	if len(m.Days) == 0 {
		return true
	}
	for _, day := range m.Days {
		if wd, ok := ParseWeekday(day); ok && wd == d {
			return true
		}
	}
	return false
}

type Task struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Priority string `yaml:"priority,omitempty"`
	Due      string `yaml:"due,omitempty"`
	Done     bool   `yaml:"done,omitempty"`
}

// DueDate parses Due as a calendar date in loc.
func (t *Task) DueDate(loc *time.Location) (time.Time, bool, error) {
	if t.Due == "" {
		return time.Time{}, false, nil
	}
	d, err := time.ParseInLocation(dueDateLayout, t.Due, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("task %s due date: %w", t.ID, err)
	}
	return d, true, nil
}

type SendStatus string

const (
	StatusSent      SendStatus = "sent"
	StatusFailed    SendStatus = "failed"
	StatusRetrySent SendStatus = "retry_sent"
	StatusDropped   SendStatus = "dropped"
	StatusUnrouted  SendStatus = "unrouted"
)

// MessageRecord is one line of the append-only send audit trail.
type MessageRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	MessageID string     `json:"message_id,omitempty"`
	Category  string     `json:"category"`
	Channel   string     `json:"channel,omitempty"`
	Period    string     `json:"period,omitempty"`
	Status    SendStatus `json:"status"`
	Attempt   int        `json:"attempt,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type Answer struct {
	QuestionID string `json:"question_id"`
	Category   string `json:"category"`
	Value      string `json:"value"`
}

// CheckInRecord is a completed check-in.
type CheckInRecord struct {
	UserID      string    `json:"user_id"`
	FlowType    string    `json:"flow_type"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Answers     []Answer  `json:"answers"`
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func ParseWeekday(raw string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	return d, ok
}
