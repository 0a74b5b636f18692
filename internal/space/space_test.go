package space

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpace(t *testing.T) *Space {
	t.Helper()
	sp, err := New(
		Spec{Name: "replacement_ratio", Kind: Continuous, Min: 0.1, Max: 0.8, Default: 0.3, Response: Increase},
		Spec{Name: "max_rules", Kind: Discrete, Min: 5, Max: 50, Default: 20},
		Spec{Name: "matching_mode", Kind: Categorical, Choices: []string{"strict", "fuzzy", "semantic"}, Default: "fuzzy"},
		Spec{Name: "enable_generation", Kind: Boolean, Default: true},
	)
	require.NoError(t, err)
	return sp
}

func TestClipOfSampleIsNoop(t *testing.T) {
	sp := testSpace(t)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		s := sp.Sample(rng)
		assert.Equal(t, s, sp.Clip(s))
		for _, spec := range sp.Specs() {
			assert.True(t, spec.Contains(s[spec.Name]), "%s=%v outside domain", spec.Name, s[spec.Name])
		}
	}
}

func TestClipIsIdempotent(t *testing.T) {
	sp := testSpace(t)
	raw := Set{
		"replacement_ratio": 3.5,
		"max_rules":         17.6,
		"matching_mode":     "nonsense",
		"enable_generation": "0",
		"unknown":           42,
	}

	once := sp.Clip(raw)
	twice := sp.Clip(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, 0.8, once["replacement_ratio"])
	assert.Equal(t, 18, once["max_rules"])
	assert.Equal(t, "strict", once["matching_mode"])
	assert.Equal(t, false, once["enable_generation"])
	assert.NotContains(t, once, "unknown")
}

func TestClipFillsDefaults(t *testing.T) {
	sp := testSpace(t)

	got := sp.Clip(Set{"max_rules": 7})

	assert.Equal(t, Set{
		"replacement_ratio": 0.3,
		"max_rules":         7,
		"matching_mode":     "fuzzy",
		"enable_generation": true,
	}, got)
}

func TestClipCategoricalIndexAndNaN(t *testing.T) {
	sp := testSpace(t)

	got := sp.Clip(Set{"matching_mode": 2.2, "replacement_ratio": math.NaN()})

	assert.Equal(t, "semantic", got["matching_mode"])
	assert.Equal(t, 0.3, got["replacement_ratio"])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sp := testSpace(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		s := sp.Sample(rng)
		x := sp.Encode(s)
		require.Len(t, x, sp.Len())
		for _, u := range x {
			assert.GreaterOrEqual(t, u, 0.0)
			assert.LessOrEqual(t, u, 1.0)
		}
		back := sp.Decode(x)
		assert.InDelta(t, s.Float("replacement_ratio"), back.Float("replacement_ratio"), 1e-9)
		assert.Equal(t, s["max_rules"], back["max_rules"])
		assert.Equal(t, s["matching_mode"], back["matching_mode"])
		assert.Equal(t, s["enable_generation"], back["enable_generation"])
	}
}

func TestDecodeClampsOutOfCube(t *testing.T) {
	sp := testSpace(t)

	got := sp.Decode([]float64{-3, 9})

	assert.Equal(t, 0.1, got["replacement_ratio"])
	assert.Equal(t, 50, got["max_rules"])
	assert.Equal(t, "fuzzy", got["matching_mode"])
}

func TestNewRejectsInvalidSpecs(t *testing.T) {
	cases := []Spec{
		{Name: "", Kind: Continuous, Min: 0, Max: 1},
		{Name: "a", Kind: Continuous, Min: 2, Max: 1},
		{Name: "b", Kind: Discrete, Min: 1.2, Max: 1.8},
		{Name: "c", Kind: Categorical},
		{Name: "d", Kind: "weird"},
		{Name: "e", Kind: Continuous, Min: 0, Max: 1, Default: 4.0},
	}
	for _, c := range cases {
		_, err := New(c)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "spec %+v", c)
	}

	_, err := New(
		Spec{Name: "x", Kind: Boolean},
		Spec{Name: "x", Kind: Boolean},
	)
	assert.Error(t, err)
}

func TestGridSize(t *testing.T) {
	sp := MustNew(
		Spec{Name: "a", Kind: Continuous, Min: 0.1, Max: 0.8},
		Spec{Name: "b", Kind: Continuous, Min: 0.1, Max: 0.8},
	)
	assert.Equal(t, 25, sp.GridSize(5))

	grid := Spec{Name: "a", Kind: Continuous, Min: 0.1, Max: 0.8}.Grid(5)
	assert.Equal(t, 0.1, grid[0])
	assert.Equal(t, 0.8, grid[4])

	assert.Len(t, Spec{Name: "n", Kind: Discrete, Min: 1, Max: 4}.Grid(5), 4)
}

func TestSetKeyIsOrderIndependent(t *testing.T) {
	a := Set{"x": 1, "y": "z"}
	b := Set{"y": "z", "x": 1}
	assert.Equal(t, a.Key(), b.Key())
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 3, Clamp(5, 1, 3))
	assert.Equal(t, 0.5, Clamp(0.5, 0.0, 1.0))
	assert.Equal(t, "b", Clamp("a", "b", "c"))
}
