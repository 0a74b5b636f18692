// Package search implements sequential search strategies over a parameter
// space. A strategy suggests one candidate at a time and learns from the
// scores fed back through Update. Higher scores are better.
package search

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/cwbudde/paramtuner/internal/space"
)

// Kind names a search strategy.
type Kind string

const (
	KindGrid              Kind = "grid"
	KindRandom            Kind = "random"
	KindLocalPerturbation Kind = "local_perturbation"
	KindGenetic           Kind = "genetic"
	KindMayfly            Kind = "mayfly"
)

// Kinds lists every strategy in rotation order.
func Kinds() []Kind {
	return []Kind{KindGrid, KindRandom, KindLocalPerturbation, KindGenetic, KindMayfly}
}

// ErrUnknownKind is returned by New and ParseKind for unregistered names.
var ErrUnknownKind = errors.New("unknown search strategy")

// ParseKind resolves a strategy name. "bayesian" is accepted as an alias of
// local_perturbation.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	switch n {
	case "bayesian", "local", "perturbation":
		return KindLocalPerturbation, nil
	case "ga":
		return KindGenetic, nil
	}
	for _, k := range Kinds() {
		if string(k) == n {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Strategy proposes candidates one at a time.
type Strategy interface {
	Kind() Kind
	// SuggestNext returns the next candidate, or false once the strategy's
	// budget is exhausted.
	SuggestNext() (space.Set, bool)
	// Update reports the score obtained by params. Params need not have
	// been suggested by this strategy.
	Update(params space.Set, score float64)
	// Best returns the best observation seen so far.
	Best() (space.Set, float64, bool)
	// Progress reports the fraction of the budget consumed, in [0,1].
	Progress() float64
}

// Defaults for Config.
const (
	DefaultGridPoints        = 5
	DefaultMaxEvaluations    = 50
	DefaultPopulationSize    = 20
	DefaultGenerations       = 10
	DefaultTournamentSize    = 3
	DefaultCrossoverRate     = 0.8
	DefaultMutationRate      = 0.1
	DefaultEliteCount        = 1
	DefaultPerturbationScale = 0.1
	DefaultIntegerStep       = 2
	DefaultMinObservations   = 3
	DefaultHistoryLimit      = 100
	DefaultMayflyIterations  = 20
	DefaultMayflyPopulation  = 20
)

// Config tunes every strategy. Zero fields take their defaults, except the
// rates: a nil rate takes its default and a set one, including 0, is kept.
type Config struct {
	GridPoints        int     `json:"gridPoints" mapstructure:"grid_points"`
	MaxEvaluations    int     `json:"maxEvaluations" mapstructure:"max_evaluations"`
	PopulationSize    int     `json:"populationSize" mapstructure:"population_size"`
	Generations       int     `json:"generations" mapstructure:"generations"`
	TournamentSize    int     `json:"tournamentSize" mapstructure:"tournament_size"`
	CrossoverRate     *float64 `json:"crossoverRate,omitempty" mapstructure:"crossover_rate"`
	MutationRate      *float64 `json:"mutationRate,omitempty" mapstructure:"mutation_rate"`
	EliteCount        int     `json:"eliteCount" mapstructure:"elite_count"`
	PerturbationScale float64 `json:"perturbationScale" mapstructure:"perturbation_scale"`
	IntegerStep       int     `json:"integerStep" mapstructure:"integer_step"`
	MinObservations   int     `json:"minObservations" mapstructure:"min_observations"`
	HistoryLimit      int     `json:"historyLimit" mapstructure:"history_limit"`
	MayflyIterations  int     `json:"mayflyIterations" mapstructure:"mayfly_iterations"`
	MayflyPopulation  int     `json:"mayflyPopulation" mapstructure:"mayfly_population"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.GridPoints <= 0 {
		c.GridPoints = DefaultGridPoints
	}
	if c.MaxEvaluations <= 0 {
		c.MaxEvaluations = DefaultMaxEvaluations
	}
	if c.PopulationSize <= 1 {
		c.PopulationSize = DefaultPopulationSize
	}
	if c.Generations <= 0 {
		c.Generations = DefaultGenerations
	}
	if c.TournamentSize <= 0 {
		c.TournamentSize = DefaultTournamentSize
	}
	c.CrossoverRate = rate(c.CrossoverRate, DefaultCrossoverRate)
	c.MutationRate = rate(c.MutationRate, DefaultMutationRate)
	if c.EliteCount <= 0 {
		c.EliteCount = DefaultEliteCount
	}
	if c.EliteCount >= c.PopulationSize {
		c.EliteCount = c.PopulationSize - 1
	}
	if c.PerturbationScale <= 0 {
		c.PerturbationScale = DefaultPerturbationScale
	}
	if c.IntegerStep <= 0 {
		c.IntegerStep = DefaultIntegerStep
	}
	if c.MinObservations <= 0 {
		c.MinObservations = DefaultMinObservations
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.MayflyIterations <= 0 {
		c.MayflyIterations = DefaultMayflyIterations
	}
	if c.MayflyPopulation <= 0 {
		c.MayflyPopulation = DefaultMayflyPopulation
	}
	return c
}

// Rate returns a pointer to v for the optional rate fields of Config.
func Rate(v float64) *float64 { return &v }

// rate resolves an optional probability: nil or NaN takes def, anything
// else is clamped to [0,1]. The result never aliases the caller's value.
func rate(v *float64, def float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return Rate(def)
	}
	return Rate(space.Clamp(*v, 0, 1))
}

// New builds the strategy registered under kind.
func New(kind Kind, sp *space.Space, cfg Config, rng *rand.Rand) (Strategy, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	cfg = cfg.withDefaults()
	switch kind {
	case KindGrid:
		return NewGrid(sp, cfg.GridPoints), nil
	case KindRandom:
		return NewRandom(sp, cfg.MaxEvaluations, rng), nil
	case KindLocalPerturbation:
		return NewLocalPerturbation(sp, cfg, rng), nil
	case KindGenetic:
		return NewGenetic(sp, cfg, rng), nil
	case KindMayfly:
		return NewMayfly(sp, cfg, rng.Int63()), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// bestTracker keeps the best observation. NaN scores are ignored.
type bestTracker struct {
	bestParams space.Set
	bestScore  float64
	hasBest    bool
}

func (b *bestTracker) observe(params space.Set, score float64) {
	if math.IsNaN(score) {
		return
	}
	if !b.hasBest || score > b.bestScore {
		b.bestParams = params.Clone()
		b.bestScore = score
		b.hasBest = true
	}
}

func (b *bestTracker) Best() (space.Set, float64, bool) {
	if !b.hasBest {
		return nil, math.Inf(-1), false
	}
	return b.bestParams.Clone(), b.bestScore, true
}
