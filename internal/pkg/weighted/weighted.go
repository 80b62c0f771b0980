// Package weighted implements random selection over (item, weight) pairs.
package weighted

import (
	"errors"
	"math"
	"math/rand/v2"
)

var ErrEmpty = errors.New("weighted: no items to choose from")

// Item pairs a value with its relative weight. Negative, NaN and infinite
// weights are treated as zero.
type Item[T any] struct {
	Value  T
	Weight float64
}

// Choose picks one item with probability proportional to its weight. When
// every weight is zero it falls back to a uniform choice so that callers
// always get an answer for a non-empty input.
func Choose[T any](rng *rand.Rand, items []Item[T]) (T, error) {
	idx, err := ChooseIndex(rng, items)
	if err != nil {
		var zero T
		return zero, err
	}
	return items[idx].Value, nil
}

// ChooseIndex is Choose returning the index of the picked item.
func ChooseIndex[T any](rng *rand.Rand, items []Item[T]) (int, error) {
	if len(items) == 0 {
		return -1, ErrEmpty
	}

	total := 0.0
	for _, it := range items {
		total += sanitize(it.Weight)
	}
	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return intN(rng, len(items)), nil
	}

	r := float64n(rng) * total
	acc := 0.0
	for i, it := range items {
		w := sanitize(it.Weight)
		if w == 0 {
			continue
		}
		acc += w
		if r < acc {
			return i, nil
		}
	}

	// Floating point rounding: return the last positively weighted item.
	for i := len(items) - 1; i >= 0; i-- {
		if sanitize(items[i].Weight) > 0 {
			return i, nil
		}
	}
	return intN(rng, len(items)), nil
}

func sanitize(w float64) float64 {
	if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return 0
	}
	return w
}

func intN(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.IntN(n)
	}
	return rng.IntN(n)
}

func float64n(rng *rand.Rand) float64 {
	if rng == nil {
		return rand.Float64()
	}
	return rng.Float64()
}
