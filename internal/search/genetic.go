package search

import (
	"math"
	"math/rand"
	"sort"

	"github.com/cwbudde/paramtuner/internal/space"
)

type individual struct {
	params  space.Set
	key     string
	score   float64
	scored  bool
	emitted bool
}

// Genetic runs a generational genetic algorithm: tournament selection,
// single-point crossover at parameter boundaries, per-parameter resampling
// mutation and elitism. Members are suggested one at a time; elites carried
// over from the previous generation keep their score and are not suggested
// again.
type Genetic struct {
	bestTracker
	sp         *space.Space
	rng        *rand.Rand
	cfg        Config
	population []individual
	cursor     int
	generation int
	emitted    int
}

// NewGenetic builds a genetic search with a random initial population.
func NewGenetic(sp *space.Space, cfg Config, rng *rand.Rand) *Genetic {
	g := &Genetic{sp: sp, rng: rng, cfg: cfg.withDefaults()}
	g.population = make([]individual, g.cfg.PopulationSize)
	for i := range g.population {
		g.population[i] = newIndividual(sp.Sample(rng))
	}
	return g
}

func newIndividual(params space.Set) individual {
	return individual{params: params, key: params.Key(), score: math.Inf(-1)}
}

func (g *Genetic) Kind() Kind { return KindGenetic }

// Generation returns the zero-based index of the current generation.
func (g *Genetic) Generation() int { return g.generation }

func (g *Genetic) SuggestNext() (space.Set, bool) {
	for g.generation < g.cfg.Generations {
		for g.cursor < len(g.population) {
			ind := &g.population[g.cursor]
			g.cursor++
			if ind.scored {
				continue
			}
			ind.emitted = true
			g.emitted++
			return ind.params.Clone(), true
		}
		g.evolve()
	}
	return nil, false
}

// Update scores the first emitted, unscored member equal to params. Scores
// for unknown params seed the population in place of a member that has not
// been suggested yet.
func (g *Genetic) Update(params space.Set, score float64) {
	g.observe(params, score)
	if math.IsNaN(score) {
		score = math.Inf(-1)
	}
	key := params.Key()
	for i := range g.population {
		ind := &g.population[i]
		if ind.emitted && !ind.scored && ind.key == key {
			ind.score = score
			ind.scored = true
			return
		}
	}
	for i := len(g.population) - 1; i >= g.cursor; i-- {
		ind := &g.population[i]
		if !ind.emitted && !ind.scored {
			*ind = newIndividual(g.sp.Clip(params))
			ind.score = score
			ind.scored = true
			return
		}
	}
}

func (g *Genetic) evolve() {
	g.generation++
	g.cursor = 0
	if g.generation >= g.cfg.Generations {
		return
	}

	ranked := append([]individual(nil), g.population...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	next := make([]individual, 0, g.cfg.PopulationSize)
	for i := 0; i < g.cfg.EliteCount && i < len(ranked); i++ {
		elite := ranked[i]
		elite.emitted = true
		if !elite.scored {
			elite = newIndividual(elite.params)
		}
		next = append(next, elite)
	}
	for len(next) < g.cfg.PopulationSize {
		p1 := g.tournamentSelect()
		p2 := g.tournamentSelect()
		child := g.mutate(g.crossover(p1.params, p2.params))
		next = append(next, newIndividual(g.sp.Clip(child)))
	}
	g.population = next
}

func (g *Genetic) tournamentSelect() individual {
	best := g.population[g.rng.Intn(len(g.population))]
	for i := 1; i < g.cfg.TournamentSize; i++ {
		c := g.population[g.rng.Intn(len(g.population))]
		if c.score > best.score {
			best = c
		}
	}
	return best
}

func (g *Genetic) crossover(p1, p2 space.Set) space.Set {
	names := g.sp.Names()
	if len(names) < 2 || g.rng.Float64() >= *g.cfg.CrossoverRate {
		return p1.Clone()
	}
	point := 1 + g.rng.Intn(len(names)-1)
	child := make(space.Set, len(names))
	for i, name := range names {
		if i < point {
			child[name] = p1[name]
		} else {
			child[name] = p2[name]
		}
	}
	return child
}

func (g *Genetic) mutate(params space.Set) space.Set {
	for _, s := range g.sp.Specs() {
		if g.rng.Float64() < *g.cfg.MutationRate {
			params[s.Name] = s.Sample(g.rng)
		}
	}
	return params
}

func (g *Genetic) Progress() float64 {
	total := g.cfg.Generations * g.cfg.PopulationSize
	done := g.generation*g.cfg.PopulationSize + g.cursor
	if done > total {
		done = total
	}
	return float64(done) / float64(total)
}
