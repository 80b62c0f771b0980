package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/userdata"
)

// cronParser is a standard 5-field cron expression parser (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// searchDays bounds how far ahead a days/periods rule is searched.
const searchDays = 8

var errNoOccurrence = errors.New("no upcoming occurrence")

// Occurrence is one computed fire time.
type Occurrence struct {
	At     time.Time
	Period string
}

// describeRule renders a schedule for the job table.
func describeRule(s userdata.Schedule) string {
	if s.Cron != "" {
		return "cron:" + s.Cron
	}
	days := "daily"
	if len(s.Days) > 0 {
		days = strings.Join(s.Days, ",")
	}
	periods := consts.PeriodAll
	if len(s.Periods) > 0 {
		periods = strings.Join(s.Periods, ",")
	}
	return "days:" + days + " periods:" + periods
}

// nextOccurrence finds the earliest fire time strictly after from. For
// day/period rules the minute inside each window is drawn at random, and a
// window already in progress only draws from what is left of it.
func nextOccurrence(p *userdata.Profile, s userdata.Schedule, from time.Time, rng *rand.Rand) (Occurrence, error) {
	loc := p.Location()
	if s.Cron != "" {
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return Occurrence{}, fmt.Errorf("parse cron expression %q: %w", s.Cron, err)
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return Occurrence{}, errNoOccurrence
		}
		return Occurrence{At: next, Period: p.ActivePeriod(next)}, nil
	}

	days, err := allowedDays(s.Days)
	if err != nil {
		return Occurrence{}, err
	}
	periods := s.Periods
	if len(periods) == 0 {
		periods = []string{consts.PeriodAll}
	}

	type window struct {
		name       string
		start, end int
	}
	windows := make([]window, 0, len(periods))
	for _, name := range periods {
		start, end, err := p.Window(name)
		if err != nil {
			return Occurrence{}, err
		}
		windows = append(windows, window{name: name, start: start, end: end})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].start < windows[j].start })

	local := from.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for d := 0; d < searchDays; d++ {
		day := midnight.AddDate(0, 0, d)
		if days != nil && !days[day.Weekday()] {
			continue
		}
		for _, w := range windows {
			lo := wallClock(day, w.start)
			hi := wallClock(day, w.end)
			if !hi.After(from) {
				continue
			}
			if !lo.After(from) {
				lo = from.Add(time.Minute).Truncate(time.Minute)
				if !lo.Before(hi) {
					continue
				}
			}
			span := int(hi.Sub(lo) / time.Minute)
			at := lo
			if span > 1 {
				at = lo.Add(time.Duration(intN(rng, span)) * time.Minute)
			}
			return Occurrence{At: at, Period: w.name}, nil
		}
	}
	return Occurrence{}, errNoOccurrence
}

// wallClock returns minute-of-day m on day's calendar date in day's zone, so
// windows keep their local times across DST changes.
func wallClock(day time.Time, m int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, day.Location())
}

func allowedDays(raw []string) (map[time.Weekday]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[time.Weekday]bool, len(raw))
	for _, d := range raw {
		wd, ok := userdata.ParseWeekday(d)
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		out[wd] = true
	}
	return out, nil
}

func intN(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.IntN(n)
	}
	return rng.IntN(n)
}
