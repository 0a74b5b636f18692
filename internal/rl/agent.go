// Package rl contains the reinforcement learning agents that choose
// discrete actions (parameter nudges or strategies) from the situation.
package rl

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Kind names an agent implementation.
type Kind string

const (
	KindQLearning      Kind = "q_learning"
	KindBandit         Kind = "bandit"
	KindPolicyGradient Kind = "policy_gradient"
)

// Exploration selects the bandit's exploration rule.
type Exploration string

const (
	EpsilonGreedy Exploration = "epsilon_greedy"
	UCB           Exploration = "ucb"
)

var (
	// ErrUnknownKind is returned by New for unregistered agent names.
	ErrUnknownKind = errors.New("unknown agent")

	// ErrNoActions is returned when an agent is built without actions.
	ErrNoActions = errors.New("agent needs at least one action")
)

// ActionError reports an action index outside the agent's action set.
type ActionError struct {
	Action int
	Count  int
}

func (e *ActionError) Error() string {
	return "action " + strconv.Itoa(e.Action) + " out of range [0, " + strconv.Itoa(e.Count) + ")"
}

// StateError reports a non-finite state coordinate.
type StateError struct {
	Index int
	Value float64
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state coordinate %d is not finite: %v", e.Index, e.Value)
}

// Experience is one transition.
type Experience struct {
	State     State     `json:"state"`
	Action    int       `json:"action"`
	Reward    float64   `json:"reward"`
	NextState State     `json:"nextState"`
	Done      bool      `json:"done"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent chooses actions and learns from transitions. Action 0 is the
// fallback used when choosing fails.
type Agent interface {
	Kind() Kind
	Actions() []string
	ChooseAction(state State) (int, error)
	Learn(exp Experience) error
	// Policy returns the action distribution for state.
	Policy(state State) []float64
	Reset()
	Stats() map[string]any
}

// Episodic is implemented by agents that buffer transitions and learn
// only when an episode closes. Callers end episodes either by sending a
// Done transition or by calling EndEpisode.
type Episodic interface {
	Agent
	EndEpisode()
	Pending() int
}

// Defaults for Config.
const (
	DefaultLearningRate       = 0.01
	DefaultDiscount           = 0.95
	DefaultEpsilon            = 0.1
	DefaultEpsilonDecay       = 0.995
	DefaultMinEpsilon         = 0.01
	DefaultBuckets            = 10
	DefaultPolicyLearningRate = 0.01
	DefaultPolicyDiscount     = 0.99
)

// Config tunes every agent.
type Config struct {
	LearningRate       float64     `json:"learningRate" mapstructure:"learning_rate"`
	Discount           float64     `json:"discount" mapstructure:"discount"`
	Epsilon            float64     `json:"epsilon" mapstructure:"epsilon"`
	EpsilonDecay       float64     `json:"epsilonDecay" mapstructure:"epsilon_decay"`
	MinEpsilon         float64     `json:"minEpsilon" mapstructure:"min_epsilon"`
	Buckets            int         `json:"buckets" mapstructure:"buckets"`
	Exploration        Exploration `json:"exploration" mapstructure:"exploration"`
	UCBConstant        float64     `json:"ucbConstant" mapstructure:"ucb_constant"`
	PolicyLearningRate float64     `json:"policyLearningRate" mapstructure:"policy_learning_rate"`
	PolicyDiscount     float64     `json:"policyDiscount" mapstructure:"policy_discount"`
	NormalizeReturns   bool        `json:"normalizeReturns" mapstructure:"normalize_returns"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		LearningRate:       DefaultLearningRate,
		Discount:           DefaultDiscount,
		Epsilon:            DefaultEpsilon,
		EpsilonDecay:       DefaultEpsilonDecay,
		MinEpsilon:         DefaultMinEpsilon,
		Buckets:            DefaultBuckets,
		Exploration:        EpsilonGreedy,
		UCBConstant:        math.Sqrt2,
		PolicyLearningRate: DefaultPolicyLearningRate,
		PolicyDiscount:     DefaultPolicyDiscount,
		NormalizeReturns:   true,
	}
}

// ParseKind resolves an agent name.
func ParseKind(name string) (Kind, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	switch n {
	case "q_learning", "qlearning", "q":
		return KindQLearning, nil
	case "bandit", "multi_armed_bandit", "mab":
		return KindBandit, nil
	case "policy_gradient", "reinforce", "pg":
		return KindPolicyGradient, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// New builds the agent registered under kind.
func New(kind Kind, actions []string, cfg Config, rng *rand.Rand) (Agent, error) {
	if len(actions) == 0 {
		return nil, ErrNoActions
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch kind {
	case KindQLearning:
		return NewQLearning(actions, cfg, rng), nil
	case KindBandit:
		return NewBandit(actions, cfg, rng), nil
	case KindPolicyGradient:
		return NewPolicyGradient(actions, cfg, rng), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Act asks the agent for an action and falls back to action 0 when the
// agent fails or panics.
func Act(agent Agent, state State) (action int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Agent panicked while choosing action, using fallback",
				"agent", agent.Kind(), "panic", r)
			action = 0
		}
	}()
	a, err := agent.ChooseAction(state)
	if err != nil {
		slog.Warn("Agent failed to choose action, using fallback", "agent", agent.Kind(), "error", err)
		return 0
	}
	return a
}

// Train feeds exp to the agent, logging failures instead of propagating
// them. It reports whether the update was applied.
func Train(agent Agent, exp Experience) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Agent panicked while learning", "agent", agent.Kind(), "panic", r)
			ok = false
		}
	}()
	if err := agent.Learn(exp); err != nil {
		slog.Warn("Agent failed to learn", "agent", agent.Kind(), "error", err)
		return false
	}
	return true
}

func checkAction(action, n int) error {
	if action < 0 || action >= n {
		return &ActionError{Action: action, Count: n}
	}
	return nil
}

func decayEpsilon(eps, decay, floor float64) float64 {
	eps *= decay
	if eps < floor {
		eps = floor
	}
	return eps
}

// argmax returns the lowest index holding the maximum.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func softmax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	hi := values[argmax(values)]
	var sum float64
	for i, v := range values {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

func sample(rng *rand.Rand, probs []float64) int {
	u := rng.Float64()
	var acc float64
	for i, p := range probs {
		acc += p
		if u < acc {
			return i
		}
	}
	return len(probs) - 1
}
