package search

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/paramtuner/internal/space"
)

func twoDimSpace() *space.Space {
	return space.MustNew(
		space.Spec{Name: "x", Kind: space.Continuous, Min: 0.1, Max: 0.8},
		space.Spec{Name: "y", Kind: space.Continuous, Min: 0.1, Max: 0.8},
	)
}

func mixedSpace() *space.Space {
	return space.MustNew(
		space.Spec{Name: "ratio", Kind: space.Continuous, Min: 0, Max: 1, Default: 0.5},
		space.Spec{Name: "count", Kind: space.Discrete, Min: 1, Max: 10, Default: 5},
		space.Spec{Name: "mode", Kind: space.Categorical, Choices: []string{"a", "b", "c"}},
		space.Spec{Name: "flag", Kind: space.Boolean},
	)
}

// peak is maximal at ratio=0.7, count=7, mode=b, flag=true.
func peak(s space.Set) float64 {
	score := -math.Pow(s.Float("ratio")-0.7, 2) - math.Pow(float64(s.Int("count")-7)/10, 2)
	if s.Choice("mode") == "b" {
		score += 0.1
	}
	if s.Bool("flag") {
		score += 0.05
	}
	return score
}

func TestGridExhaustsAfterProduct(t *testing.T) {
	g := NewGrid(twoDimSpace(), 5)

	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		s, ok := g.SuggestNext()
		require.True(t, ok, "suggestion %d", i)
		assert.False(t, seen[s.Key()], "duplicate point %v", s)
		seen[s.Key()] = true
	}

	_, ok := g.SuggestNext()
	assert.False(t, ok)
	assert.Equal(t, 1.0, g.Progress())
	assert.Len(t, seen, 25)
}

func TestGridEnumeratesDiscreteAndCategorical(t *testing.T) {
	sp := space.MustNew(
		space.Spec{Name: "n", Kind: space.Discrete, Min: 1, Max: 3},
		space.Spec{Name: "m", Kind: space.Categorical, Choices: []string{"p", "q"}},
		space.Spec{Name: "f", Kind: space.Boolean},
	)
	g := NewGrid(sp, 5)
	assert.Equal(t, 12, g.Total())

	first, _ := g.SuggestNext()
	assert.Equal(t, space.Set{"n": 1, "m": "p", "f": false}, first)
	second, _ := g.SuggestNext()
	assert.Equal(t, space.Set{"n": 1, "m": "p", "f": true}, second)
}

func TestRandomHonorsBudget(t *testing.T) {
	sp := mixedSpace()
	r := NewRandom(sp, 7, rand.New(rand.NewSource(1)))

	for i := 0; i < 7; i++ {
		s, ok := r.SuggestNext()
		require.True(t, ok)
		assert.Equal(t, s, sp.Clip(s))
	}
	_, ok := r.SuggestNext()
	assert.False(t, ok)
}

func TestLocalPerturbationStaysInDomainAndImproves(t *testing.T) {
	sp := mixedSpace()
	cfg := DefaultConfig()
	cfg.MaxEvaluations = 300
	l := NewLocalPerturbation(sp, cfg, rand.New(rand.NewSource(5)))

	for {
		s, ok := l.SuggestNext()
		if !ok {
			break
		}
		require.Equal(t, s, sp.Clip(s))
		l.Update(s, peak(s))
	}

	best, score, ok := l.Best()
	require.True(t, ok)
	assert.Greater(t, score, 0.1)
	assert.InDelta(t, 0.7, best.Float("ratio"), 0.25)
	assert.LessOrEqual(t, len(l.Observations()), DefaultHistoryLimit)
}

func TestLocalPerturbationRandomUntilMinObservations(t *testing.T) {
	sp := twoDimSpace()
	l := NewLocalPerturbation(sp, DefaultConfig(), rand.New(rand.NewSource(9)))

	s, ok := l.SuggestNext()
	require.True(t, ok)
	l.Update(s, 1)

	_, _, hasBest := l.Best()
	assert.True(t, hasBest)
	assert.Len(t, l.Observations(), 1)
}

func TestGeneticWalksGenerations(t *testing.T) {
	sp := mixedSpace()
	cfg := DefaultConfig()
	cfg.PopulationSize = 10
	cfg.Generations = 4
	g := NewGenetic(sp, cfg, rand.New(rand.NewSource(11)))

	count := 0
	for {
		s, ok := g.SuggestNext()
		if !ok {
			break
		}
		require.Equal(t, s, sp.Clip(s))
		g.Update(s, peak(s))
		count++
	}

	// first generation evaluates every member, later ones skip the elite
	assert.Equal(t, 10+3*9, count)
	assert.Equal(t, 4, g.Generation())
	assert.Equal(t, 1.0, g.Progress())

	_, best, ok := g.Best()
	require.True(t, ok)
	assert.Greater(t, best, -0.5)
}

func TestGeneticEliteNeverLost(t *testing.T) {
	sp := mixedSpace()
	cfg := DefaultConfig()
	cfg.PopulationSize = 8
	cfg.Generations = 3
	g := NewGenetic(sp, cfg, rand.New(rand.NewSource(2)))

	bestPerGeneration := map[int]float64{}
	for {
		s, ok := g.SuggestNext()
		if !ok {
			break
		}
		gen := g.Generation()
		score := peak(s)
		g.Update(s, score)
		if v, ok := bestPerGeneration[gen]; !ok || score > v {
			bestPerGeneration[gen] = score
		}
		for _, ind := range g.population {
			if ind.scored && ind.score > bestPerGeneration[gen] {
				bestPerGeneration[gen] = ind.score
			}
		}
	}

	for gen := 1; gen < 3; gen++ {
		assert.GreaterOrEqual(t, bestPerGeneration[gen], bestPerGeneration[gen-1])
	}
}

func TestConfigRates(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultCrossoverRate, *cfg.CrossoverRate)
	assert.Equal(t, DefaultMutationRate, *cfg.MutationRate)

	cfg = Config{CrossoverRate: Rate(0), MutationRate: Rate(1.5)}.withDefaults()
	assert.Equal(t, 0.0, *cfg.CrossoverRate)
	assert.Equal(t, 1.0, *cfg.MutationRate)

	cfg = Config{MutationRate: Rate(math.NaN())}.withDefaults()
	assert.Equal(t, DefaultMutationRate, *cfg.MutationRate)
}

func TestGeneticZeroRatesOnlyRecombineParents(t *testing.T) {
	sp := mixedSpace()
	cfg := DefaultConfig()
	cfg.PopulationSize = 6
	cfg.Generations = 3
	cfg.CrossoverRate = Rate(0)
	cfg.MutationRate = Rate(0)
	g := NewGenetic(sp, cfg, rand.New(rand.NewSource(5)))

	seen := map[string]bool{}
	for {
		s, ok := g.SuggestNext()
		if !ok {
			break
		}
		if g.Generation() == 0 {
			seen[s.Key()] = true
		} else {
			assert.True(t, seen[s.Key()], "generation %d produced a new member %v", g.Generation(), s)
		}
		g.Update(s, peak(s))
	}
	assert.Len(t, seen, 6)
}

func TestGeneticAcceptsForeignObservations(t *testing.T) {
	sp := mixedSpace()
	g := NewGenetic(sp, DefaultConfig(), rand.New(rand.NewSource(3)))

	seed := space.Set{"ratio": 0.7, "count": 7, "mode": "b", "flag": true}
	g.Update(seed, peak(seed))

	best, score, ok := g.Best()
	require.True(t, ok)
	assert.Equal(t, seed, best)
	assert.InDelta(t, 0.15, score, 1e-12)
}

func TestMayflyBridgeFindsPeak(t *testing.T) {
	sp := twoDimSpace()
	cfg := DefaultConfig()
	cfg.MayflyIterations = 15
	m := NewMayfly(sp, cfg, 42)
	defer m.Close()

	target := func(s space.Set) float64 {
		return -math.Pow(s.Float("x")-0.5, 2) - math.Pow(s.Float("y")-0.3, 2)
	}

	n := 0
	for n < 2000 {
		s, ok := m.SuggestNext()
		if !ok {
			break
		}
		require.Equal(t, s, sp.Clip(s))
		m.Update(s, target(s))
		n++
	}

	require.Greater(t, n, 0)
	best, score, ok := m.Best()
	require.True(t, ok)
	assert.Greater(t, score, -0.02)
	assert.InDelta(t, 0.5, best.Float("x"), 0.15)
}

func TestMayflyCloseStopsSuggestions(t *testing.T) {
	m := NewMayfly(twoDimSpace(), DefaultConfig(), 1)

	s, ok := m.SuggestNext()
	require.True(t, ok)
	m.Update(s, 0)

	require.NoError(t, m.Close())
	for i := 0; i < 1000; i++ {
		if _, ok := m.SuggestNext(); !ok {
			return
		}
	}
	t.Fatal("expected exhaustion after Close")
}

func TestFactory(t *testing.T) {
	sp := mixedSpace()
	for _, k := range Kinds() {
		s, err := New(k, sp, DefaultConfig(), rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		assert.Equal(t, k, s.Kind())
		if c, ok := s.(interface{ Close() error }); ok {
			c.Close()
		}
	}

	_, err := New("annealing", sp, DefaultConfig(), nil)
	assert.True(t, errors.Is(err, ErrUnknownKind))

	k, err := ParseKind("Bayesian")
	require.NoError(t, err)
	assert.Equal(t, KindLocalPerturbation, k)

	k, err = ParseKind("local-perturbation")
	require.NoError(t, err)
	assert.Equal(t, KindLocalPerturbation, k)
}
