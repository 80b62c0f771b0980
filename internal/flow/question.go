package flow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tgifai/nudge/internal/userdata"
)

var ErrInvalidAnswer = errors.New("invalid answer")

// AnswerKind selects the parser applied to a reply.
type AnswerKind string

const (
	AnswerScale AnswerKind = "scale" // integer 1..5
	AnswerYesNo AnswerKind = "yesno"
	AnswerHours AnswerKind = "hours" // 0..24, decimals allowed
	AnswerText  AnswerKind = "text"
)

const maxTextAnswer = 500

// Question is one check-in prompt. When DependsOn names another question
// that was already answered in the same flow, ContextText is rendered with
// that answer in place of %s; otherwise Text is used.
type Question struct {
	ID          string
	Category    string
	Kind        AnswerKind
	Text        string
	ContextText string
	DependsOn   string
}

// Render never refers to an answer that was not given in this flow.
func (q Question) Render(answers []userdata.Answer) string {
	if q.DependsOn == "" || q.ContextText == "" {
		return q.Text
	}
	for _, a := range answers {
		if a.QuestionID == q.DependsOn && a.Value != "" {
			return fmt.Sprintf(q.ContextText, a.Value)
		}
	}
	return q.Text
}

func (q Question) Hint() string {
	switch q.Kind {
	case AnswerScale:
		return "Please reply with a number from 1 to 5."
	case AnswerYesNo:
		return "Please reply with yes or no."
	case AnswerHours:
		return "Please reply with a number of hours, e.g. 7 or 6.5."
	default:
		return fmt.Sprintf("Please reply with a short text (up to %d characters).", maxTextAnswer)
	}
}

// Parse normalizes a raw reply or returns ErrInvalidAnswer.
func (q Question) Parse(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidAnswer
	}
	switch q.Kind {
	case AnswerScale:
		s = strings.TrimSuffix(s, "/5")
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 1 || n > 5 {
			return "", ErrInvalidAnswer
		}
		return strconv.Itoa(n), nil
	case AnswerYesNo:
		switch strings.ToLower(s) {
		case "y", "yes", "yeah", "yep":
			return "yes", nil
		case "n", "no", "nope":
			return "no", nil
		}
		return "", ErrInvalidAnswer
	case AnswerHours:
		s = strings.TrimSuffix(strings.ToLower(s), "h")
		h, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || h < 0 || h > 24 {
			return "", ErrInvalidAnswer
		}
		return strconv.FormatFloat(h, 'f', -1, 64), nil
	default:
		if len(s) > maxTextAnswer {
			return "", ErrInvalidAnswer
		}
		return s, nil
	}
}

// Categories the check-in bank spreads its questions over.
const (
	CategoryMood       = "mood"
	CategoryHealth     = "health"
	CategorySleep      = "sleep"
	CategorySocial     = "social"
	CategoryReflection = "reflection"
)

var AllCategories = []string{CategoryMood, CategoryHealth, CategorySleep, CategorySocial, CategoryReflection}

// DefaultBank is the built-in check-in question set. Order matters: a
// question appears after any question it depends on.
func DefaultBank() []Question {
	return []Question{
		{ID: "mood_overall", Category: CategoryMood, Kind: AnswerScale, Text: "How is your mood right now, from 1 (low) to 5 (great)?"},
		{ID: "mood_energy", Category: CategoryMood, Kind: AnswerScale, Text: "How is your energy level today (1-5)?"},
		{ID: "mood_stress", Category: CategoryMood, Kind: AnswerScale, Text: "How stressed do you feel (1 = calm, 5 = very stressed)?"},
		{ID: "sleep_hours", Category: CategorySleep, Kind: AnswerHours, Text: "How many hours did you sleep last night?"},
		{
			ID:          "sleep_quality",
			Category:    CategorySleep,
			Kind:        AnswerScale,
			Text:        "How rested do you feel (1-5)?",
			ContextText: "After %s hours of sleep, how rested do you feel (1-5)?",
			DependsOn:   "sleep_hours",
		},
		{ID: "health_exercise", Category: CategoryHealth, Kind: AnswerYesNo, Text: "Did you move or exercise today?"},
		{ID: "health_water", Category: CategoryHealth, Kind: AnswerYesNo, Text: "Have you been drinking enough water today?"},
		{ID: "health_body", Category: CategoryHealth, Kind: AnswerScale, Text: "How does your body feel today (1-5)?"},
		{ID: "social_contact", Category: CategorySocial, Kind: AnswerYesNo, Text: "Did you talk with a friend or family member today?"},
		{
			ID:          "social_quality",
			Category:    CategorySocial,
			Kind:        AnswerScale,
			Text:        "How connected to other people do you feel today (1-5)?",
			ContextText: "You said %s to talking with someone today. How connected do you feel (1-5)?",
			DependsOn:   "social_contact",
		},
		{ID: "reflect_win", Category: CategoryReflection, Kind: AnswerText, Text: "What is one thing that went well today?"},
		{ID: "reflect_focus", Category: CategoryReflection, Kind: AnswerText, Text: "What would you like to focus on tomorrow?"},
	}
}
