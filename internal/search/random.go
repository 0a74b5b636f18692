package search

import (
	"math/rand"

	"github.com/cwbudde/paramtuner/internal/space"
)

// Random samples the space uniformly until its budget is spent.
type Random struct {
	bestTracker
	sp      *space.Space
	rng     *rand.Rand
	budget  int
	emitted int
}

// NewRandom builds a random search with a fixed evaluation budget.
func NewRandom(sp *space.Space, budget int, rng *rand.Rand) *Random {
	return &Random{sp: sp, rng: rng, budget: budget}
}

func (r *Random) Kind() Kind { return KindRandom }

func (r *Random) SuggestNext() (space.Set, bool) {
	if r.emitted >= r.budget {
		return nil, false
	}
	r.emitted++
	return r.sp.Sample(r.rng), true
}

func (r *Random) Update(params space.Set, score float64) {
	r.observe(params, score)
}

func (r *Random) Progress() float64 {
	if r.budget <= 0 {
		return 1
	}
	return float64(r.emitted) / float64(r.budget)
}
