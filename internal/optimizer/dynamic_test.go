package optimizer

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/paramtuner/internal/convergence"
	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/rl"
	"github.com/cwbudde/paramtuner/internal/search"
	"github.com/cwbudde/paramtuner/internal/situation"
	"github.com/cwbudde/paramtuner/internal/space"
)

var (
	unhealthy = situation.New(0, 0, 0, 1, 0, 0)
	neutral   = situation.Neutral()
)

func responseSpace() *space.Space {
	return space.MustNew(
		space.Spec{Name: "replacement_ratio", Kind: space.Continuous, Min: 0, Max: 1, Default: 0.5, Response: space.Increase},
		space.Spec{Name: "similarity_threshold", Kind: space.Continuous, Min: 0, Max: 1, Default: 0.5, Response: space.Decrease},
		space.Spec{Name: "max_rules", Kind: space.Discrete, Min: 1, Max: 20, Default: 10},
		space.Spec{Name: "mode", Kind: space.Categorical, Choices: []string{"strict", "lenient"}},
	)
}

func records(improvements ...float64) []feedback.Record {
	out := make([]feedback.Record, len(improvements))
	for i, imp := range improvements {
		out[i] = feedback.NewRecord("s", neutral, nil, nil, imp, 0)
	}
	return out
}

func newDynamic(t *testing.T, sp *space.Space, alg Algorithm) *Dynamic {
	t.Helper()
	cfg := DefaultDynamicConfig()
	cfg.Algorithm = alg
	cfg.Seed = 42
	d, err := NewDynamic(sp, cfg)
	require.NoError(t, err)
	return d
}

func TestRecencyWeightedPerformance(t *testing.T) {
	assert.InDelta(t, 0.6, RecencyWeightedPerformance(records(0.2, 0.4, 0.8), 0.5), 1e-12)
	assert.Equal(t, 0.0, RecencyWeightedPerformance(nil, 0.5))
	assert.InDelta(t, 0.8, RecencyWeightedPerformance(records(0.8), 0.5), 1e-12)
}

func TestAdaptiveStepFollowsResponseUnderLowHealth(t *testing.T) {
	sp := responseSpace()
	d := newDynamic(t, sp, AlgorithmAdaptiveLR)

	var params space.Set
	for i := 0; i < 5; i++ {
		params = d.Optimize(unhealthy, records(0.1))
	}

	assert.Greater(t, params.Float("replacement_ratio"), 0.5)
	assert.Less(t, params.Float("similarity_threshold"), 0.5)
	assert.Equal(t, 10, params.Int("max_rules"))
	assert.Equal(t, "strict", params.Choice("mode"))
	assert.Len(t, d.States(), 5)
	assert.Len(t, d.LearningCurve(AlgorithmAdaptiveLR), 5)
}

func TestAdaptiveStepHoldsAtMidHealth(t *testing.T) {
	d := newDynamic(t, responseSpace(), AlgorithmAdaptiveLR)
	mid := situation.New(0.5, 0.5, 0.5, 0.5, 0.5, 0.5)

	params := d.Optimize(mid, records(0.1))

	assert.InDelta(t, 0.5, params.Float("replacement_ratio"), 1e-12)
	assert.InDelta(t, 0.5, params.Float("similarity_threshold"), 1e-12)
}

func TestAdaptiveLearningRateBounds(t *testing.T) {
	d := newDynamic(t, responseSpace(), AlgorithmAdaptiveLR)

	for i := 0; i < 30; i++ {
		d.Optimize(unhealthy, records(float64(i)*0.05))
	}
	assert.InDelta(t, DefaultMaxLearningRate, d.LearningRate(), 1e-12)

	for i := 0; i < 9; i++ {
		d.Optimize(unhealthy, records(1-float64(i)*0.1))
	}
	assert.Less(t, d.LearningRate(), DefaultMaxLearningRate)
	assert.GreaterOrEqual(t, d.LearningRate(), DefaultMinLearningRate)
	assert.Equal(t, AlgorithmAdaptiveLR, d.Algorithm())
}

func TestStagnationSwitchesOncePerWindow(t *testing.T) {
	d := newDynamic(t, responseSpace(), AlgorithmAdaptiveLR)

	for i := 0; i < 20; i++ {
		d.Optimize(neutral, records(0.3))
	}

	switches := d.Switches()
	require.Len(t, switches, 1)
	assert.Equal(t, AlgorithmSwitch{Iteration: 10, From: AlgorithmAdaptiveLR, To: AlgorithmGradient, Transferred: 5}, switches[0])
	assert.Len(t, d.LearningCurve(AlgorithmAdaptiveLR), 10)
	assert.Len(t, d.LearningCurve(AlgorithmGradient), 10)

	d.Optimize(neutral, records(0.3))
	assert.Len(t, d.Switches(), 2)
	assert.Equal(t, AlgorithmBayesian, d.Algorithm())
}

func TestGradientClimbsLinearResponse(t *testing.T) {
	sp := space.MustNew(space.Spec{Name: "ratio", Kind: space.Continuous, Min: 0, Max: 1, Default: 0.5})
	d := newDynamic(t, sp, AlgorithmGradient)

	params := d.Current()
	for i := 0; i < 15; i++ {
		params = d.Optimize(neutral, records(params.Float("ratio")))
	}

	assert.Greater(t, params.Float("ratio"), 0.7)
}

func TestBayesianReceivesTransferredObservations(t *testing.T) {
	d := newDynamic(t, responseSpace(), AlgorithmAdaptiveLR)
	for i := 0; i < 8; i++ {
		d.Optimize(unhealthy, records(float64(i)*0.1))
	}

	require.NoError(t, d.Switch(AlgorithmBayesian))

	assert.Len(t, d.local.Observations(), 5)
	assert.Len(t, d.observations[AlgorithmBayesian], 5)
	params := d.Optimize(unhealthy, records(0.9))
	assert.Len(t, params, 4)
}

func TestReinforcementDelegateLearns(t *testing.T) {
	d := newDynamic(t, responseSpace(), AlgorithmReinforcement)

	assert.Equal(t, []string{
		"hold",
		"replacement_ratio:increase", "replacement_ratio:decrease",
		"similarity_threshold:increase", "similarity_threshold:decrease",
		"max_rules:increase", "max_rules:decrease",
	}, d.Agent().Actions())

	for i := 0; i < 6; i++ {
		d.Optimize(unhealthy, records(0.5))
	}

	q, ok := d.Agent().(*rl.QLearning)
	require.True(t, ok)
	assert.NotEmpty(t, q.QTable())
}

func newPolicyGradientDynamic(t *testing.T, episode int) *Dynamic {
	t.Helper()
	cfg := DefaultDynamicConfig()
	cfg.Algorithm = AlgorithmReinforcement
	cfg.Agent = rl.KindPolicyGradient
	cfg.EpisodeLength = episode
	cfg.Convergence = convergence.Config{Window: 10, Threshold: 1e-4}
	cfg.Seed = 7
	d, err := NewDynamic(responseSpace(), cfg)
	require.NoError(t, err)
	return d
}

func TestPolicyGradientEpisodesClose(t *testing.T) {
	d := newPolicyGradientDynamic(t, 10)

	// the first call only acts, every later one sends a transition
	for i := 0; i < 200; i++ {
		d.Optimize(unhealthy, records(0.9))
		pg := d.Agent().(*rl.PolicyGradient)
		require.Less(t, pg.Pending(), 10)
	}

	stats := d.Agent().Stats()
	assert.Equal(t, 19, stats["episodes"])
	assert.Equal(t, 9, stats["pending"])
}

func TestLeavingReinforcementEndsEpisode(t *testing.T) {
	d := newPolicyGradientDynamic(t, 50)
	for i := 0; i < 6; i++ {
		d.Optimize(unhealthy, records(0.4))
	}
	pg := d.Agent().(*rl.PolicyGradient)
	require.Equal(t, 5, pg.Pending())

	require.NoError(t, d.Switch(AlgorithmGradient))
	assert.Equal(t, 0, pg.Pending())
	assert.Equal(t, 1, pg.Stats()["episodes"])

	// coming back starts a fresh episode instead of linking across the gap
	d.Optimize(unhealthy, records(0.4))
	require.NoError(t, d.Switch(AlgorithmReinforcement))
	d.Optimize(unhealthy, records(0.4))
	assert.Equal(t, 0, pg.Pending())
	d.Optimize(unhealthy, records(0.4))
	assert.Equal(t, 1, pg.Pending())
}

func TestMomentumZeroIsKept(t *testing.T) {
	assert.Equal(t, DefaultMomentum, *DynamicConfig{}.withDefaults().Momentum)
	assert.Equal(t, 0.0, *DynamicConfig{Momentum: search.Rate(0)}.withDefaults().Momentum)
	assert.Equal(t, 1.0, *DynamicConfig{Momentum: search.Rate(3)}.withDefaults().Momentum)

	cfg := DefaultDynamicConfig()
	cfg.Algorithm = AlgorithmGradient
	cfg.Momentum = search.Rate(0)
	cfg.Seed = 42
	d, err := NewDynamic(responseSpace(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.0, *d.cfg.Momentum)
}

func TestCandidatesStayInDomain(t *testing.T) {
	sp := responseSpace()
	rng := rand.New(rand.NewSource(8))
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			d := newDynamic(t, sp, alg)
			for i := 0; i < 40; i++ {
				params := d.Optimize(unhealthy, records(rng.Float64()*2-1, rng.Float64()*2-1))
				for _, s := range sp.Specs() {
					assert.True(t, s.Contains(params[s.Name]), "%s=%v", s.Name, params[s.Name])
				}
			}
		})
	}
}

func TestDynamicRejectsUnknownAlgorithm(t *testing.T) {
	cfg := DefaultDynamicConfig()
	cfg.Algorithm = "simulated_annealing"
	_, err := NewDynamic(responseSpace(), cfg)
	assert.True(t, errors.Is(err, ErrUnknownAlgorithm))

	d := newDynamic(t, responseSpace(), AlgorithmGradient)
	assert.True(t, errors.Is(d.Switch("nope"), ErrUnknownAlgorithm))
}

func TestDynamicReset(t *testing.T) {
	sp := responseSpace()
	d := newDynamic(t, sp, AlgorithmAdaptiveLR)
	for i := 0; i < 12; i++ {
		d.Optimize(unhealthy, records(0.2))
	}

	d.Reset()

	assert.Empty(t, d.States())
	assert.Empty(t, d.Switches())
	assert.Equal(t, sp.Defaults(), d.Current())
	assert.Equal(t, AlgorithmAdaptiveLR, d.Algorithm())
	_, _, ok := d.Best()
	assert.False(t, ok)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("Adaptive-LR")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmAdaptiveLR, a)

	a, err = ParseAlgorithm("rl")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmReinforcement, a)
}
