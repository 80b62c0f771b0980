package flow

import (
	"errors"
	"time"

	"github.com/tgifai/nudge/internal/userdata"
)

var (
	ErrNoActiveFlow = errors.New("no active flow")
	ErrFlowActive   = errors.New("flow already in progress")
)

type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateExpired    State = "EXPIRED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired || s == StateCancelled
}

// Reasons recorded on EXPIRED and CANCELLED flows.
const (
	ReasonTimeout           = "timeout"
	ReasonUnrelatedOutbound = "unrelated-outbound"
	ReasonUserCancelled     = "user-cancelled"
)

// TypeCheckIn is the only flow type nudge runs today.
const TypeCheckIn = "checkin"

// Flow is a user's conversation state. Remaining[0] is the question the
// user is expected to answer next.
type Flow struct {
	UserID         string            `json:"user_id"`
	FlowType       string            `json:"flow_type"`
	State          State             `json:"state"`
	ChannelID      string            `json:"channel_id,omitempty"`
	Destination    string            `json:"destination,omitempty"`
	Asked          []string          `json:"asked"`
	Remaining      []string          `json:"remaining"`
	Answers        []userdata.Answer `json:"answers"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

func (f *Flow) Current() string {
	if f == nil || len(f.Remaining) == 0 {
		return ""
	}
	return f.Remaining[0]
}

func (f *Flow) clone() *Flow {
	if f == nil {
		return nil
	}
	c := *f
	c.Asked = append([]string(nil), f.Asked...)
	c.Remaining = append([]string(nil), f.Remaining...)
	c.Answers = append([]userdata.Answer(nil), f.Answers...)
	if f.EndedAt != nil {
		t := *f.EndedAt
		c.EndedAt = &t
	}
	return &c
}
