package rl

import (
	"math/rand"
)

// QLearning is a tabular one-step Q-learning agent with ε-greedy
// exploration. Rows of the table are created lazily and hold one value per
// action.
type QLearning struct {
	cfg     Config
	actions []string
	qTable  map[StateKey][]float64
	epsilon float64
	rng     *rand.Rand
	updates int
}

// NewQLearning creates a Q-learning agent.
func NewQLearning(actions []string, cfg Config, rng *rand.Rand) *QLearning {
	return &QLearning{
		cfg:     cfg,
		actions: append([]string(nil), actions...),
		qTable:  make(map[StateKey][]float64),
		epsilon: cfg.Epsilon,
		rng:     rng,
	}
}

func (q *QLearning) Kind() Kind { return KindQLearning }

func (q *QLearning) Actions() []string { return append([]string(nil), q.actions...) }

// Epsilon returns the current exploration rate.
func (q *QLearning) Epsilon() float64 { return q.epsilon }

// ChooseAction picks a random action with probability ε, otherwise the
// highest-valued one (lowest index on ties).
func (q *QLearning) ChooseAction(state State) (int, error) {
	if err := state.Validate(); err != nil {
		return 0, err
	}
	if q.rng.Float64() < q.epsilon {
		return q.rng.Intn(len(q.actions)), nil
	}
	row, ok := q.qTable[state.Key(q.cfg.Buckets)]
	if !ok {
		return 0, nil
	}
	return argmax(row), nil
}

// Learn applies Q(s,a) += α(r + γ·max Q(s',·) − Q(s,a)); terminal
// transitions use r alone as the target. ε decays after every update.
func (q *QLearning) Learn(exp Experience) error {
	if err := checkAction(exp.Action, len(q.actions)); err != nil {
		return err
	}
	if err := exp.State.Validate(); err != nil {
		return err
	}
	if err := exp.NextState.Validate(); err != nil {
		return err
	}

	row := q.row(exp.State.Key(q.cfg.Buckets))
	target := exp.Reward
	if !exp.Done {
		next := q.row(exp.NextState.Key(q.cfg.Buckets))
		target += q.cfg.Discount * next[argmax(next)]
	}
	row[exp.Action] += q.cfg.LearningRate * (target - row[exp.Action])

	q.epsilon = decayEpsilon(q.epsilon, q.cfg.EpsilonDecay, q.cfg.MinEpsilon)
	q.updates++
	return nil
}

func (q *QLearning) row(key StateKey) []float64 {
	row, ok := q.qTable[key]
	if !ok {
		row = make([]float64, len(q.actions))
		q.qTable[key] = row
	}
	return row
}

// Value returns Q(state, action), 0 for unseen pairs.
func (q *QLearning) Value(state State, action int) float64 {
	row, ok := q.qTable[state.Key(q.cfg.Buckets)]
	if !ok || action < 0 || action >= len(row) {
		return 0
	}
	return row[action]
}

// Policy returns a softmax over the state's action values, uniform for
// unseen states.
func (q *QLearning) Policy(state State) []float64 {
	row, ok := q.qTable[state.Key(q.cfg.Buckets)]
	if !ok {
		return uniform(len(q.actions))
	}
	return softmax(row)
}

// QTable returns a copy of the value table.
func (q *QLearning) QTable() map[StateKey][]float64 {
	out := make(map[StateKey][]float64, len(q.qTable))
	for k, row := range q.qTable {
		out[k] = append([]float64(nil), row...)
	}
	return out
}

func (q *QLearning) Reset() {
	q.qTable = make(map[StateKey][]float64)
	q.epsilon = q.cfg.Epsilon
	q.updates = 0
}

func (q *QLearning) Stats() map[string]any {
	return map[string]any{
		"kind":          string(KindQLearning),
		"states":        len(q.qTable),
		"epsilon":       q.epsilon,
		"updates":       q.updates,
		"learning_rate": q.cfg.LearningRate,
		"discount":      q.cfg.Discount,
	}
}
