package search

import (
	"math/rand"

	"github.com/cwbudde/paramtuner/internal/space"
)

// Observation is a scored parameter set.
type Observation struct {
	Params space.Set `json:"params"`
	Score  float64   `json:"score"`
}

// LocalPerturbation samples randomly until a few observations exist, then
// proposes perturbations of the best point seen so far.
type LocalPerturbation struct {
	bestTracker
	sp           *space.Space
	rng          *rand.Rand
	cfg          Config
	observations []Observation
	emitted      int
}

// NewLocalPerturbation builds a local search. cfg.MaxEvaluations bounds the
// number of suggestions.
func NewLocalPerturbation(sp *space.Space, cfg Config, rng *rand.Rand) *LocalPerturbation {
	return &LocalPerturbation{sp: sp, rng: rng, cfg: cfg.withDefaults()}
}

func (l *LocalPerturbation) Kind() Kind { return KindLocalPerturbation }

func (l *LocalPerturbation) SuggestNext() (space.Set, bool) {
	if l.emitted >= l.cfg.MaxEvaluations {
		return nil, false
	}
	l.emitted++
	if len(l.observations) < l.cfg.MinObservations || !l.hasBest {
		return l.sp.Sample(l.rng), true
	}
	return l.perturb(l.bestParams), true
}

func (l *LocalPerturbation) perturb(center space.Set) space.Set {
	out := make(space.Set, l.sp.Len())
	for _, s := range l.sp.Specs() {
		if _, ok := center[s.Name]; !ok {
			out[s.Name] = s.Sample(l.rng)
			continue
		}
		switch s.Kind {
		case space.Continuous:
			out[s.Name] = center.Float(s.Name) + l.rng.NormFloat64()*l.cfg.PerturbationScale*s.Span()
		case space.Discrete:
			step := l.rng.Intn(2*l.cfg.IntegerStep+1) - l.cfg.IntegerStep
			out[s.Name] = center.Int(s.Name) + step
		default:
			out[s.Name] = s.Sample(l.rng)
		}
	}
	return l.sp.Clip(out)
}

func (l *LocalPerturbation) Update(params space.Set, score float64) {
	l.observations = append(l.observations, Observation{Params: params.Clone(), Score: score})
	if over := len(l.observations) - l.cfg.HistoryLimit; over > 0 {
		l.observations = append(l.observations[:0:0], l.observations[over:]...)
	}
	l.observe(params, score)
}

// Observations returns the retained history, oldest first.
func (l *LocalPerturbation) Observations() []Observation {
	return append([]Observation(nil), l.observations...)
}

func (l *LocalPerturbation) Progress() float64 {
	return float64(l.emitted) / float64(l.cfg.MaxEvaluations)
}
