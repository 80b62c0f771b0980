package scheduler

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tgifai/nudge/internal/pkg/weighted"
	"github.com/tgifai/nudge/internal/userdata"
)

var ErrNoOpenTasks = errors.New("no open tasks")

// PriorityWeight maps a task priority to its selection weight. Unknown or
// empty priorities count as low.
func PriorityWeight(priority string) float64 {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "critical":
		return 3.0
	case "high":
		return 2.0
	case "medium":
		return 1.5
	default:
		return 1.0
	}
}

// DueDateWeight weights a task by how close its due date is. hasDue=false
// means no due date.
func DueDateWeight(due time.Time, hasDue bool, now time.Time) float64 {
	if !hasDue {
		return 0.9
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dueDay := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, now.Location())
	days := int(math.Round(dueDay.Sub(today).Hours() / 24))

	switch {
	case days < 0:
		return math.Min(4.0, 2.5+0.1*float64(-days))
	case days == 0:
		return 2.5
	case days <= 7:
		return 2.5 - 1.5*float64(days)/7
	case days <= 30:
		return 1.0 - 0.2*float64(days-7)/23
	default:
		return 0.8
	}
}

// SelectTaskForReminder draws one open task with probability proportional
// to PriorityWeight*DueDateWeight. A task whose due date cannot be parsed is
// weighted as having none.
func SelectTaskForReminder(tasks []userdata.Task, now time.Time, rng *rand.Rand) (userdata.Task, error) {
	items := make([]weighted.Item[userdata.Task], 0, len(tasks))
	for _, t := range tasks {
		if t.Done {
			continue
		}
		due, hasDue, err := t.DueDate(now.Location())
		if err != nil {
			hasDue = false
		}
		items = append(items, weighted.Item[userdata.Task]{
			Value:  t,
			Weight: PriorityWeight(t.Priority) * DueDateWeight(due, hasDue, now),
		})
	}
	if len(items) == 0 {
		return userdata.Task{}, ErrNoOpenTasks
	}
	return weighted.Choose(rng, items)
}
