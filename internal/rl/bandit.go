package rl

import (
	"math"
	"math/rand"
)

// Bandit is a stateless multi-armed bandit over the action set. Arm values
// are running means of observed rewards.
type Bandit struct {
	cfg     Config
	actions []string
	values  []float64
	counts  []int
	total   int
	epsilon float64
	rng     *rand.Rand
}

// NewBandit creates a bandit using cfg.Exploration.
func NewBandit(actions []string, cfg Config, rng *rand.Rand) *Bandit {
	if cfg.Exploration == "" {
		cfg.Exploration = EpsilonGreedy
	}
	if cfg.UCBConstant <= 0 {
		cfg.UCBConstant = math.Sqrt2
	}
	return &Bandit{
		cfg:     cfg,
		actions: append([]string(nil), actions...),
		values:  make([]float64, len(actions)),
		counts:  make([]int, len(actions)),
		epsilon: cfg.Epsilon,
		rng:     rng,
	}
}

func (b *Bandit) Kind() Kind { return KindBandit }

func (b *Bandit) Actions() []string { return append([]string(nil), b.actions...) }

// SetEpsilon overrides the exploration rate.
func (b *Bandit) SetEpsilon(eps float64) { b.epsilon = eps }

// Epsilon returns the current exploration rate.
func (b *Bandit) Epsilon() float64 { return b.epsilon }

// ChooseAction ignores the state.
func (b *Bandit) ChooseAction(State) (int, error) {
	if b.cfg.Exploration == UCB {
		return argmax(b.ucbScores()), nil
	}
	if b.rng.Float64() < b.epsilon {
		return b.rng.Intn(len(b.actions)), nil
	}
	return argmax(b.values), nil
}

// ucbScores returns value + c·sqrt(ln N / n) per arm; unpulled arms score +Inf.
func (b *Bandit) ucbScores() []float64 {
	scores := make([]float64, len(b.values))
	for i, v := range b.values {
		if b.counts[i] == 0 {
			scores[i] = math.Inf(1)
			continue
		}
		scores[i] = v + b.cfg.UCBConstant*math.Sqrt(math.Log(float64(b.total))/float64(b.counts[i]))
	}
	return scores
}

// Learn folds the reward into the pulled arm's running mean.
func (b *Bandit) Learn(exp Experience) error {
	if err := checkAction(exp.Action, len(b.actions)); err != nil {
		return err
	}
	if math.IsNaN(exp.Reward) || math.IsInf(exp.Reward, 0) {
		return &StateError{Index: -1, Value: exp.Reward}
	}
	b.counts[exp.Action]++
	b.total++
	b.values[exp.Action] += (exp.Reward - b.values[exp.Action]) / float64(b.counts[exp.Action])
	b.epsilon = decayEpsilon(b.epsilon, b.cfg.EpsilonDecay, b.cfg.MinEpsilon)
	return nil
}

// Policy returns the selection distribution: ε spread uniformly plus the
// remainder on the greedy arm, or a point mass for UCB.
func (b *Bandit) Policy(State) []float64 {
	n := len(b.actions)
	probs := make([]float64, n)
	if b.cfg.Exploration == UCB {
		probs[argmax(b.ucbScores())] = 1
		return probs
	}
	for i := range probs {
		probs[i] = b.epsilon / float64(n)
	}
	probs[argmax(b.values)] += 1 - b.epsilon
	return probs
}

// Values returns the per-arm mean rewards.
func (b *Bandit) Values() []float64 { return append([]float64(nil), b.values...) }

// Counts returns the per-arm pull counts.
func (b *Bandit) Counts() []int { return append([]int(nil), b.counts...) }

func (b *Bandit) Reset() {
	b.values = make([]float64, len(b.actions))
	b.counts = make([]int, len(b.actions))
	b.total = 0
	b.epsilon = b.cfg.Epsilon
}

func (b *Bandit) Stats() map[string]any {
	arms := make(map[string]any, len(b.actions))
	for i, a := range b.actions {
		arms[a] = map[string]any{"value": b.values[i], "pulls": b.counts[i]}
	}
	return map[string]any{
		"kind":        string(KindBandit),
		"exploration": string(b.cfg.Exploration),
		"epsilon":     b.epsilon,
		"pulls":       b.total,
		"arms":        arms,
	}
}
