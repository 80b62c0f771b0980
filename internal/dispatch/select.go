package dispatch

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/gg/gslice"

	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/userdata"
)

// DedupWindow excludes messages sent within the last Days days or among the
// last Count sends of the category. A zero field disables that bound.
type DedupWindow struct {
	Days  int
	Count int
}

// Selection is the outcome of SelectMessage.
type Selection struct {
	Message  userdata.Message
	Pool     string // "period", "all" or "fallback"
	Fallback bool
}

// countsAsSent reports whether a record occupies a slot in the dedup window.
// Failed records count because they are queued for retry.
func countsAsSent(rec userdata.MessageRecord) bool {
	if rec.MessageID == "" {
		return false
	}
	switch rec.Status {
	case userdata.StatusSent, userdata.StatusRetrySent, userdata.StatusFailed:
		return true
	}
	return false
}

// SelectMessage picks the message to send for period at now. Messages
// targeted at the period are drawn with probability split, "ALL" messages
// otherwise. When dedup leaves nothing, the least recently sent eligible
// message is reused. ok is false only when no message is eligible at all.
func SelectMessage(msgs []userdata.Message, history []userdata.MessageRecord, period string, now time.Time,
	window DedupWindow, split float64, rng *rand.Rand) (sel Selection, ok bool) {
	weekday := now.Weekday()
	eligible := gslice.Filter(msgs, func(m userdata.Message) bool {
		return m.ID != "" && m.OnDay(weekday)
	})
	if len(eligible) == 0 {
		return Selection{}, false
	}

	specific := !strings.EqualFold(period, consts.PeriodAll) && period != ""
	var periodPool, allPool []userdata.Message
	for _, m := range eligible {
		switch {
		case m.InPeriod(consts.PeriodAll):
			allPool = append(allPool, m)
		case specific && m.InPeriod(period):
			periodPool = append(periodPool, m)
		}
	}
	if len(periodPool) == 0 && len(allPool) == 0 {
		return Selection{}, false
	}

	excluded, lastSent := recentIDs(history, now, window)
	fresh := func(m userdata.Message) bool { return !excluded[m.ID] }
	periodFresh := gslice.Filter(periodPool, fresh)
	allFresh := gslice.Filter(allPool, fresh)

	switch {
	case len(periodFresh) > 0 && len(allFresh) > 0:
		if rng.Float64() < split {
			return Selection{Message: periodFresh[rng.IntN(len(periodFresh))], Pool: "period"}, true
		}
		return Selection{Message: allFresh[rng.IntN(len(allFresh))], Pool: "all"}, true
	case len(periodFresh) > 0:
		return Selection{Message: periodFresh[rng.IntN(len(periodFresh))], Pool: "period"}, true
	case len(allFresh) > 0:
		return Selection{Message: allFresh[rng.IntN(len(allFresh))], Pool: "all"}, true
	}

	candidates := append(append([]userdata.Message(nil), periodPool...), allPool...)
	sort.SliceStable(candidates, func(i, j int) bool {
		return lastSent[candidates[i].ID].Before(lastSent[candidates[j].ID])
	})
	return Selection{Message: candidates[0], Pool: "fallback", Fallback: true}, true
}

// recentIDs returns the ids inside the dedup window and the last send time
// of every id in history. history is ordered oldest first.
func recentIDs(history []userdata.MessageRecord, now time.Time, window DedupWindow) (map[string]bool, map[string]time.Time) {
	excluded := make(map[string]bool)
	lastSent := make(map[string]time.Time)
	var cutoff time.Time
	if window.Days > 0 {
		cutoff = now.AddDate(0, 0, -window.Days)
	}

	// A failed send and its later retry_sent are one delivery.
	retried := make(map[string]int)
	counted := 0
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if !countsAsSent(rec) {
			continue
		}
		switch rec.Status {
		case userdata.StatusRetrySent:
			retried[rec.MessageID]++
		case userdata.StatusFailed:
			if retried[rec.MessageID] > 0 {
				retried[rec.MessageID]--
				continue
			}
		}
		if rec.Timestamp.After(lastSent[rec.MessageID]) {
			lastSent[rec.MessageID] = rec.Timestamp
		}
		counted++
		if window.Count > 0 && counted <= window.Count {
			excluded[rec.MessageID] = true
		}
		if window.Days > 0 && rec.Timestamp.After(cutoff) {
			excluded[rec.MessageID] = true
		}
	}
	return excluded, lastSent
}
