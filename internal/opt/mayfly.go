package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinPopulation is the smallest population the mayfly library accepts.
const MinPopulation = 20

var _ Minimizer = Mayfly{}

// Mayfly is the mayfly swarm algorithm with males, females and offspring
// recombination. The zero value runs one iteration with MinPopulation.
type Mayfly struct {
	Iterations int
	Population int
	Seed       int64
}

func (m Mayfly) normalized() Mayfly {
	if m.Population < MinPopulation {
		m.Population = MinPopulation
	}
	if m.Iterations < 1 {
		m.Iterations = 1
	}
	return m
}

// Budget assumes two evaluations per mayfly and generation.
func (m Mayfly) Budget() int {
	m = m.normalized()
	return 2 * m.Population * (m.Iterations + 1)
}

// Minimize never lets f see a coordinate outside [0,1]. The library may
// step past the bounds internally; positions are clamped before each call.
func (m Mayfly) Minimize(f Cost, dim int) ([]float64, float64, error) {
	if dim < 1 {
		return nil, 0, fmt.Errorf("mayfly needs at least one dimension, got %d", dim)
	}
	m = m.normalized()

	cfg := mayfly.NewDefaultConfig()
	cfg.ProblemSize = dim
	cfg.MaxIterations = m.Iterations
	cfg.NPop = m.Population
	cfg.LowerBound = 0
	cfg.UpperBound = 1
	cfg.Rand = rand.New(rand.NewSource(m.Seed))
	cfg.ObjectiveFunc = func(x []float64) float64 { return f(clampUnit(x)) }

	res, err := mayfly.Optimize(cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly optimization failed: %w", err)
	}
	return clampUnit(res.GlobalBest.Position), res.GlobalBest.Cost, nil
}
