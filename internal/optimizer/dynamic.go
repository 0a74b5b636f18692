package optimizer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/cwbudde/paramtuner/internal/convergence"
	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/rl"
	"github.com/cwbudde/paramtuner/internal/search"
	"github.com/cwbudde/paramtuner/internal/situation"
	"github.com/cwbudde/paramtuner/internal/space"
)

// Algorithm names an update rule of the Dynamic optimizer.
type Algorithm string

const (
	AlgorithmGradient      Algorithm = "gradient"
	AlgorithmBayesian      Algorithm = "bayesian"
	AlgorithmReinforcement Algorithm = "reinforcement"
	AlgorithmAdaptiveLR    Algorithm = "adaptive_lr"
)

// Algorithms lists every algorithm in rotation order.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmGradient, AlgorithmBayesian, AlgorithmReinforcement, AlgorithmAdaptiveLR}
}

// ErrUnknownAlgorithm is returned for unregistered algorithm names.
var ErrUnknownAlgorithm = errors.New("unknown optimization algorithm")

// ParseAlgorithm resolves an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	switch n {
	case "gradient", "gradient_estimate":
		return AlgorithmGradient, nil
	case "bayesian", "local_perturbation":
		return AlgorithmBayesian, nil
	case "reinforcement", "rl", "reinforcement_learning":
		return AlgorithmReinforcement, nil
	case "adaptive_lr", "adaptive", "adaptive_learning_rate":
		return AlgorithmAdaptiveLR, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Defaults for DynamicConfig.
const (
	DefaultLearningRate    = 0.01
	DefaultMomentum        = 0.9
	DefaultMinLearningRate = 0.001
	DefaultMaxLearningRate = 0.05
	DefaultLRIncrease      = 1.1
	DefaultLRDecrease      = 0.9
	DefaultSlopeThreshold  = 0.01
	DefaultTrendWindow     = 5
	DefaultRecencyDecay    = 0.5
	DefaultProbeScale      = 0.05
	DefaultActionStep      = 0.1
	DefaultObservationCap  = 100
	DefaultEpisodeLength   = 20
)

// DynamicConfig configures the Dynamic optimizer. Zero fields take their
// defaults; Momentum is only defaulted when nil, so 0 disables it.
type DynamicConfig struct {
	Algorithm       Algorithm          `json:"algorithm" mapstructure:"algorithm"`
	LearningRate    float64            `json:"learningRate" mapstructure:"learning_rate"`
	Momentum        *float64           `json:"momentum,omitempty" mapstructure:"momentum"`
	MinLearningRate float64            `json:"minLearningRate" mapstructure:"min_learning_rate"`
	MaxLearningRate float64            `json:"maxLearningRate" mapstructure:"max_learning_rate"`
	LRIncrease      float64            `json:"lrIncrease" mapstructure:"lr_increase"`
	LRDecrease      float64            `json:"lrDecrease" mapstructure:"lr_decrease"`
	SlopeThreshold  float64            `json:"slopeThreshold" mapstructure:"slope_threshold"`
	TrendWindow     int                `json:"trendWindow" mapstructure:"trend_window"`
	RecencyDecay    float64            `json:"recencyDecay" mapstructure:"recency_decay"`
	ProbeScale      float64            `json:"probeScale" mapstructure:"probe_scale"`
	ActionStep      float64            `json:"actionStep" mapstructure:"action_step"`
	TransferCount   int                `json:"transferCount" mapstructure:"transfer_count"`
	ObservationCap  int                `json:"observationCap" mapstructure:"observation_cap"`
	EpisodeLength   int                `json:"episodeLength" mapstructure:"episode_length"`
	Convergence     convergence.Config `json:"convergence" mapstructure:"convergence"`
	Search          search.Config      `json:"search" mapstructure:"search"`
	Agent           rl.Kind            `json:"agent" mapstructure:"agent"`
	RL              rl.Config          `json:"rl" mapstructure:"rl"`
	Seed            int64              `json:"seed" mapstructure:"seed"`
}

// DefaultDynamicConfig returns the stock configuration.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		Algorithm:       AlgorithmAdaptiveLR,
		LearningRate:    DefaultLearningRate,
		Momentum:        search.Rate(DefaultMomentum),
		MinLearningRate: DefaultMinLearningRate,
		MaxLearningRate: DefaultMaxLearningRate,
		LRIncrease:      DefaultLRIncrease,
		LRDecrease:      DefaultLRDecrease,
		SlopeThreshold:  DefaultSlopeThreshold,
		TrendWindow:     DefaultTrendWindow,
		RecencyDecay:    DefaultRecencyDecay,
		ProbeScale:      DefaultProbeScale,
		ActionStep:      DefaultActionStep,
		TransferCount:   DefaultTransferCount,
		ObservationCap:  DefaultObservationCap,
		EpisodeLength:   DefaultEpisodeLength,
		Convergence:     convergence.DefaultConfig(),
		Search:          search.DefaultConfig(),
		Agent:           rl.KindQLearning,
		RL:              rl.DefaultConfig(),
	}
}

func (c DynamicConfig) withDefaults() DynamicConfig {
	d := DefaultDynamicConfig()
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat(&c.LearningRate, d.LearningRate)
	if c.Momentum == nil || math.IsNaN(*c.Momentum) {
		c.Momentum = d.Momentum
	} else {
		c.Momentum = search.Rate(space.Clamp(*c.Momentum, 0, 1))
	}
	setFloat(&c.MinLearningRate, d.MinLearningRate)
	setFloat(&c.MaxLearningRate, d.MaxLearningRate)
	setFloat(&c.LRIncrease, d.LRIncrease)
	setFloat(&c.LRDecrease, d.LRDecrease)
	setFloat(&c.SlopeThreshold, d.SlopeThreshold)
	setFloat(&c.RecencyDecay, d.RecencyDecay)
	setFloat(&c.ProbeScale, d.ProbeScale)
	setFloat(&c.ActionStep, d.ActionStep)
	if c.TrendWindow < 2 {
		c.TrendWindow = d.TrendWindow
	}
	if c.TransferCount <= 0 {
		c.TransferCount = d.TransferCount
	}
	if c.ObservationCap <= 0 {
		c.ObservationCap = d.ObservationCap
	}
	if c.EpisodeLength <= 0 {
		c.EpisodeLength = d.EpisodeLength
	}
	if c.Convergence.Window <= 0 {
		c.Convergence = d.Convergence
	}
	if c.Agent == "" {
		c.Agent = d.Agent
	}
	if c.RL == (rl.Config{}) {
		c.RL = d.RL
	}
	// the live loop is open ended
	if c.Search.MaxEvaluations <= 0 {
		c.Search.MaxEvaluations = math.MaxInt32
	}
	return c
}

// State is one step of the Dynamic optimizer.
type State struct {
	Iteration      int       `json:"iteration"`
	Algorithm      Algorithm `json:"algorithm"`
	Parameters     space.Set `json:"parameters"`
	Performance    float64   `json:"performance"`
	Best           float64   `json:"best"`
	BestParameters space.Set `json:"bestParameters"`
	LearningRate   float64   `json:"learningRate"`
	Timestamp      time.Time `json:"timestamp"`
}

// CurvePoint is one entry of a learning curve. Convergence is the absolute
// change in performance since the previous step.
type CurvePoint struct {
	Iteration   int       `json:"iteration"`
	Score       float64   `json:"score"`
	Parameters  space.Set `json:"parameters"`
	Convergence float64   `json:"convergence"`
}

// LearningCurve is the ordered series of steps taken by one algorithm.
type LearningCurve []CurvePoint

// AlgorithmSwitch records a change of algorithm.
type AlgorithmSwitch struct {
	Iteration   int       `json:"iteration"`
	From        Algorithm `json:"from"`
	To          Algorithm `json:"to"`
	Transferred int       `json:"transferred"`
}

// observation is a parameter set and the performance measured after it
// was applied.
type observation struct {
	params space.Set
	x      []float64
	perf   float64
}

// Dynamic tunes live parameters from effectiveness feedback. Each call to
// Optimize attributes the current performance to the parameters suggested
// by the previous call and proposes the next set. It is not safe for
// concurrent use.
type Dynamic struct {
	sp      *space.Space
	cfg     DynamicConfig
	rng     *rand.Rand
	metrics *metrics.Metrics
	now     func() time.Time

	algorithm    Algorithm
	current      space.Set
	position     []float64
	learningRate float64
	velocity     []float64
	monitor      *convergence.Monitor
	observations map[Algorithm][]observation
	local        *search.LocalPerturbation

	agent      rl.Agent
	actions    []paramAction
	lastState  rl.State
	lastAction int
	lastActed  time.Time
	hasAction  bool

	// transitions sent to an episodic agent since its last episode closed
	episodeSteps int

	iteration  int
	lastPerf   float64
	hasPerf    bool
	best       float64
	bestParams space.Set
	states     []State
	curves     map[Algorithm]LearningCurve
	switches   []AlgorithmSwitch
}

// NewDynamic builds a Dynamic optimizer starting from the space defaults.
func NewDynamic(sp *space.Space, cfg DynamicConfig) (*Dynamic, error) {
	cfg = cfg.withDefaults()
	if _, err := ParseAlgorithm(string(cfg.Algorithm)); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &Dynamic{
		sp:  sp,
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
	actions := buildActions(sp)
	agent, err := rl.New(cfg.Agent, actionNames(actions), cfg.RL, d.rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	d.agent = agent
	d.actions = actions
	d.Reset()
	return d, nil
}

// SetMetrics attaches collectors. m may be nil.
func (d *Dynamic) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Reset returns to the space defaults and clears every history, table and
// curve.
func (d *Dynamic) Reset() {
	d.algorithm = d.cfg.Algorithm
	d.current = d.sp.Defaults()
	d.position = d.sp.Encode(d.current)
	d.learningRate = space.Clamp(d.cfg.LearningRate, d.cfg.MinLearningRate, d.cfg.MaxLearningRate)
	d.velocity = make([]float64, d.sp.Len())
	d.monitor = convergence.NewMonitor(d.cfg.Convergence)
	d.observations = make(map[Algorithm][]observation)
	d.local = search.NewLocalPerturbation(d.sp, d.cfg.Search, d.rng)
	d.agent.Reset()
	d.hasAction = false
	d.episodeSteps = 0
	d.iteration = 0
	d.hasPerf = false
	d.lastPerf = 0
	d.best = math.Inf(-1)
	d.bestParams = nil
	d.states = nil
	d.curves = make(map[Algorithm]LearningCurve)
	d.switches = nil
}

// Algorithm returns the active algorithm.
func (d *Dynamic) Algorithm() Algorithm { return d.algorithm }

// Current returns the most recently suggested parameters.
func (d *Dynamic) Current() space.Set { return d.current.Clone() }

// LearningRate returns the current learning rate.
func (d *Dynamic) LearningRate() float64 { return d.learningRate }

// Agent returns the reinforcement learning delegate.
func (d *Dynamic) Agent() rl.Agent { return d.agent }

// States returns every recorded step.
func (d *Dynamic) States() []State { return append([]State(nil), d.states...) }

// LearningCurve returns the steps taken by algorithm a.
func (d *Dynamic) LearningCurve(a Algorithm) LearningCurve {
	return append(LearningCurve(nil), d.curves[a]...)
}

// Switches returns every algorithm switch in order.
func (d *Dynamic) Switches() []AlgorithmSwitch {
	return append([]AlgorithmSwitch(nil), d.switches...)
}

// Best returns the parameters with the highest observed performance.
func (d *Dynamic) Best() (space.Set, float64, bool) {
	if d.bestParams == nil {
		return d.sp.Defaults(), d.best, false
	}
	return d.bestParams.Clone(), d.best, true
}

// RecencyWeightedPerformance averages the improvement of records, oldest
// first, with weight decay^age so the newest record weighs 1. Non-finite
// improvements are skipped; no usable records yield 0.
func RecencyWeightedPerformance(records []feedback.Record, decay float64) float64 {
	if decay <= 0 || decay > 1 {
		decay = DefaultRecencyDecay
	}
	var sum, weights float64
	w := 1.0
	for i := len(records) - 1; i >= 0; i-- {
		imp := records[i].Improvement()
		if !math.IsNaN(imp) && !math.IsInf(imp, 0) {
			sum += w * imp
			weights += w
		}
		w *= decay
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// Optimize scores the current parameters from records, switches algorithm
// when performance stagnates and returns the next parameters to apply.
// Records are ordered oldest first.
func (d *Dynamic) Optimize(sit situation.Score, records []feedback.Record) space.Set {
	perf := RecencyWeightedPerformance(records, d.cfg.RecencyDecay)
	delta := 0.0
	if d.hasPerf {
		delta = math.Abs(perf - d.lastPerf)
	}

	d.observe(d.algorithm, observation{
		params: d.current.Clone(),
		x:      append([]float64(nil), d.position...),
		perf:   perf,
	})
	if perf > d.best {
		d.best = perf
		d.bestParams = d.current.Clone()
	}

	state := rl.NewState(sit, perf, d.sinceLastAction(), rl.DefaultHorizon)
	if d.algorithm == AlgorithmBayesian {
		d.local.Update(d.current, perf)
	}
	if d.algorithm == AlgorithmReinforcement && d.hasAction {
		d.train(state, perf)
	}

	status := d.monitor.Update(perf)
	if status.Stagnated {
		d.switchTo(nextAlgorithm(d.algorithm))
	}

	var next []float64
	switch d.algorithm {
	case AlgorithmGradient:
		next = d.gradientStep()
	case AlgorithmBayesian:
		next = d.bayesianStep()
	case AlgorithmReinforcement:
		next = d.reinforcementStep(state)
	default:
		next = d.adaptiveStep(sit)
	}
	for i := range next {
		next[i] = space.Clamp(next[i], 0, 1)
	}
	candidate := d.sp.Clip(d.sp.Decode(next))

	d.position = next
	d.current = candidate
	d.lastPerf = perf
	d.hasPerf = true
	d.metrics.Suggested(string(d.algorithm))

	d.states = append(d.states, State{
		Iteration:      d.iteration,
		Algorithm:      d.algorithm,
		Parameters:     candidate.Clone(),
		Performance:    perf,
		Best:           d.best,
		BestParameters: d.bestParams.Clone(),
		LearningRate:   d.learningRate,
		Timestamp:      d.now(),
	})
	d.curves[d.algorithm] = append(d.curves[d.algorithm], CurvePoint{
		Iteration:   d.iteration,
		Score:       perf,
		Parameters:  candidate.Clone(),
		Convergence: delta,
	})
	slog.Debug("Dynamic optimization step",
		"iteration", d.iteration,
		"algorithm", d.algorithm,
		"performance", perf,
		"learning_rate", d.learningRate,
	)
	d.iteration++
	return candidate.Clone()
}

// Switch changes the active algorithm, transferring recent observations.
func (d *Dynamic) Switch(to Algorithm) error {
	if _, err := ParseAlgorithm(string(to)); err != nil {
		return err
	}
	if to == d.algorithm {
		return nil
	}
	d.switchTo(to)
	return nil
}

func (d *Dynamic) switchTo(to Algorithm) {
	from := d.algorithm
	if from == AlgorithmReinforcement {
		d.closeEpisode()
	}
	src := d.observations[from]
	if len(src) > d.cfg.TransferCount {
		src = src[len(src)-d.cfg.TransferCount:]
	}
	for _, o := range src {
		d.observe(to, o)
		if to == AlgorithmBayesian {
			d.local.Update(o.params, o.perf)
		}
	}
	if to == AlgorithmGradient {
		for i := range d.velocity {
			d.velocity[i] = 0
		}
	}
	d.algorithm = to
	d.switches = append(d.switches, AlgorithmSwitch{
		Iteration:   d.iteration,
		From:        from,
		To:          to,
		Transferred: len(src),
	})
	d.metrics.StrategySwitched(string(from), string(to))
	slog.Info("Optimization algorithm switched", "from", from, "to", to, "transferred", len(src))
}

// train feeds the transition that led to state. Episodic agents get every
// EpisodeLength-th transition marked Done so their episodes close.
func (d *Dynamic) train(state rl.State, perf float64) {
	exp := rl.Experience{
		State:     d.lastState,
		Action:    d.lastAction,
		Reward:    space.Clamp(perf, -1, 1),
		NextState: state,
		Timestamp: d.now(),
	}
	if _, ok := d.agent.(rl.Episodic); ok {
		d.episodeSteps++
		if d.episodeSteps >= d.cfg.EpisodeLength {
			exp.Done = true
			d.episodeSteps = 0
		}
	}
	rl.Train(d.agent, exp)
}

// closeEpisode flushes a partial episode when the agent stops driving the
// parameters, and forgets the last action so no transition spans the gap.
func (d *Dynamic) closeEpisode() {
	if ep, ok := d.agent.(rl.Episodic); ok && ep.Pending() > 0 {
		ep.EndEpisode()
	}
	d.episodeSteps = 0
	d.hasAction = false
}

func (d *Dynamic) observe(a Algorithm, o observation) {
	obs := append(d.observations[a], o)
	if len(obs) > d.cfg.ObservationCap {
		obs = obs[len(obs)-d.cfg.ObservationCap:]
	}
	d.observations[a] = obs
}

func (d *Dynamic) sinceLastAction() time.Duration {
	if !d.hasAction {
		return 0
	}
	return d.now().Sub(d.lastActed)
}

// nextAlgorithm returns the algorithm after a in rotation order.
func nextAlgorithm(a Algorithm) Algorithm {
	all := Algorithms()
	for i, alg := range all {
		if alg == a {
			return all[(i+1)%len(all)]
		}
	}
	return all[0]
}
