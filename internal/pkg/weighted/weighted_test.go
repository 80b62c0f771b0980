package weighted

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChoose_Empty(t *testing.T) {
	_, err := Choose[string](rand.New(rand.NewPCG(1, 2)), nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestChoose_ZeroWeightsFallBackToUniform(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	items := []Item[string]{{"a", 0}, {"b", 0}, {"c", math.NaN()}}

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		v, err := Choose(rng, items)
		require.NoError(t, err)
		seen[v]++
	}
	assert.Len(t, seen, 3)
}

func TestChoose_NeverPicksZeroWeight(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	items := []Item[string]{{"never", 0}, {"always", 1}, {"neg", -5}}
	for i := 0; i < 200; i++ {
		v, err := Choose(rng, items)
		require.NoError(t, err)
		assert.Equal(t, "always", v)
	}
}

func TestChoose_Proportional(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	items := []Item[string]{{"heavy", 3}, {"light", 1}}

	heavy := 0
	const trials = 4000
	for i := 0; i < trials; i++ {
		v, _ := Choose(rng, items)
		if v == "heavy" {
			heavy++
		}
	}
	ratio := float64(heavy) / trials
	assert.InDelta(t, 0.75, ratio, 0.04)
}
