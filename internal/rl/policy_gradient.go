package rl

import (
	"math"
	"math/rand"
)

// PolicyGradient is a REINFORCE agent with a linear softmax policy over the
// state vector plus a bias term. Transitions are buffered until an episode
// ends, then a single gradient step is taken on the discounted returns.
type PolicyGradient struct {
	cfg      Config
	actions  []string
	weights  [][]float64
	episode  []Experience
	episodes int
	rng      *rand.Rand
}

var _ Episodic = (*PolicyGradient)(nil)

// NewPolicyGradient creates an agent whose initial policy is uniform.
func NewPolicyGradient(actions []string, cfg Config, rng *rand.Rand) *PolicyGradient {
	p := &PolicyGradient{
		cfg:     cfg,
		actions: append([]string(nil), actions...),
		rng:     rng,
	}
	p.Reset()
	return p
}

func (p *PolicyGradient) Kind() Kind { return KindPolicyGradient }

func (p *PolicyGradient) Actions() []string { return append([]string(nil), p.actions...) }

// Policy returns softmax(W·[s,1]).
func (p *PolicyGradient) Policy(state State) []float64 {
	x := state.features()
	logits := make([]float64, len(p.actions))
	for a, w := range p.weights {
		for j, xj := range x {
			logits[a] += w[j] * xj
		}
	}
	return softmax(logits)
}

// ChooseAction samples from the policy.
func (p *PolicyGradient) ChooseAction(state State) (int, error) {
	if err := state.Validate(); err != nil {
		return 0, err
	}
	return sample(p.rng, p.Policy(state)), nil
}

// Learn buffers the transition; a Done transition closes the episode and
// updates the policy.
func (p *PolicyGradient) Learn(exp Experience) error {
	if err := checkAction(exp.Action, len(p.actions)); err != nil {
		return err
	}
	if err := exp.State.Validate(); err != nil {
		return err
	}
	p.episode = append(p.episode, exp)
	if exp.Done {
		p.EndEpisode()
	}
	return nil
}

// EndEpisode applies the REINFORCE update to the buffered episode and
// clears the buffer. It is a no-op on an empty buffer.
func (p *PolicyGradient) EndEpisode() {
	if len(p.episode) == 0 {
		return
	}
	returns := make([]float64, len(p.episode))
	var g float64
	for t := len(p.episode) - 1; t >= 0; t-- {
		r := p.episode[t].Reward
		if math.IsNaN(r) || math.IsInf(r, 0) {
			r = 0
		}
		g = r + p.cfg.PolicyDiscount*g
		returns[t] = g
	}
	if p.cfg.NormalizeReturns && len(returns) > 1 {
		standardize(returns)
	}

	for t, exp := range p.episode {
		x := exp.State.features()
		probs := p.Policy(exp.State)
		for a := range p.weights {
			grad := -probs[a]
			if a == exp.Action {
				grad += 1
			}
			step := p.cfg.PolicyLearningRate * grad * returns[t]
			for j, xj := range x {
				p.weights[a][j] += step * xj
			}
		}
	}
	p.episode = p.episode[:0]
	p.episodes++
}

// Pending returns the number of buffered transitions.
func (p *PolicyGradient) Pending() int { return len(p.episode) }

func (p *PolicyGradient) Reset() {
	p.weights = make([][]float64, len(p.actions))
	for i := range p.weights {
		p.weights[i] = make([]float64, StateDim+1)
	}
	p.episode = nil
	p.episodes = 0
}

func (p *PolicyGradient) Stats() map[string]any {
	return map[string]any{
		"kind":          string(KindPolicyGradient),
		"episodes":      p.episodes,
		"pending":       len(p.episode),
		"learning_rate": p.cfg.PolicyLearningRate,
		"discount":      p.cfg.PolicyDiscount,
	}
}

func standardize(xs []float64) {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance / float64(len(xs)))
	if std < 1e-8 {
		return
	}
	for i := range xs {
		xs[i] = (xs[i] - mean) / std
	}
}
