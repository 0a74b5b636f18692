package opt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bowl has its minimum 0 at (0.3, 0.3, ...).
func bowl(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += (v - 0.3) * (v - 0.3)
	}
	return s
}

func TestMayflyFindsBowlMinimum(t *testing.T) {
	best, cost, err := Mayfly{Iterations: 100, Population: 20, Seed: 42}.Minimize(bowl, 3)
	require.NoError(t, err)
	require.Len(t, best, 3)

	assert.Less(t, cost, 0.05)
	for i, v := range best {
		assert.InDelta(t, 0.3, v, 0.2, "coordinate %d", i)
	}
}

func TestMayflyStaysInUnitCube(t *testing.T) {
	var outside int
	f := func(x []float64) float64 {
		for _, v := range x {
			if v < 0 || v > 1 {
				outside++
			}
		}
		// pull towards a corner so the swarm presses against the bounds
		return -x[0] - x[1]
	}

	m := Mayfly{Iterations: 30, Seed: 7}
	best, _, err := m.Minimize(f, 2)
	require.NoError(t, err)

	assert.Zero(t, outside)
	for _, v := range best {
		assert.False(t, v < 0 || v > 1, "best %v outside the unit cube", best)
	}
}

func TestMayflyDeterministic(t *testing.T) {
	m := Mayfly{Iterations: 50, Seed: 123}
	_, c1, err := m.Minimize(bowl, 2)
	require.NoError(t, err)
	_, c2, err := m.Minimize(bowl, 2)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestMayflyDefaults(t *testing.T) {
	m := Mayfly{Population: 5}.normalized()
	assert.Equal(t, MinPopulation, m.Population)
	assert.Equal(t, 1, m.Iterations)
	assert.Equal(t, 2*MinPopulation*2, Mayfly{}.Budget())

	_, _, err := Mayfly{}.Minimize(bowl, 0)
	assert.Error(t, err)
}

func TestClampUnit(t *testing.T) {
	in := []float64{-0.5, 0.25, 1.5, math.Inf(1)}
	assert.Equal(t, []float64{0, 0.25, 1, 1}, clampUnit(in))
	assert.Equal(t, -0.5, in[0], "input must not be modified")
}
