package flow

import (
	"math/rand/v2"
	"sort"

	"github.com/tgifai/nudge/internal/pkg/weighted"
	"github.com/tgifai/nudge/internal/userdata"
)

const (
	recentPenalty       = 0.25
	sameCategoryPenalty = 0.5
)

// SelectQuestions draws n questions for a new check-in. Questions asked in
// the recent check-ins are weighted down and categories that were answered
// less often recently are weighted up. The result keeps bank order.
func SelectQuestions(bank []Question, recent []userdata.CheckInRecord, n int, rng *rand.Rand) []Question {
	if n <= 0 || len(bank) == 0 {
		return nil
	}
	if n > len(bank) {
		n = len(bank)
	}

	asked := make(map[string]bool)
	catCount := make(map[string]int)
	for _, rec := range recent {
		for _, a := range rec.Answers {
			asked[a.QuestionID] = true
			catCount[a.Category]++
		}
	}
	maxCount := 0
	for _, c := range catCount {
		if c > maxCount {
			maxCount = c
		}
	}

	weights := make([]float64, len(bank))
	for i, q := range bank {
		w := 1.0 + float64(maxCount-catCount[q.Category])/float64(maxCount+1)
		if asked[q.ID] {
			w *= recentPenalty
		}
		weights[i] = w
	}

	picked := make([]int, 0, n)
	taken := make([]bool, len(bank))
	for len(picked) < n {
		items := make([]weighted.Item[int], 0, len(bank))
		for i := range bank {
			if !taken[i] {
				items = append(items, weighted.Item[int]{Value: i, Weight: weights[i]})
			}
		}
		idx, err := weighted.Choose(rng, items)
		if err != nil {
			break
		}
		taken[idx] = true
		picked = append(picked, idx)
		for i := range bank {
			if bank[i].Category == bank[idx].Category {
				weights[i] *= sameCategoryPenalty
			}
		}
	}

	sort.Ints(picked)
	out := make([]Question, 0, len(picked))
	for _, i := range picked {
		out = append(out, bank[i])
	}
	return out
}
