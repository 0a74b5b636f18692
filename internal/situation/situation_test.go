package situation

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomScore(rng *rand.Rand) Score {
	return New(rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64())
}

func TestSimilarityProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		a, b := randomScore(rng), randomScore(rng)

		ab := Similarity(a, b)
		assert.InDelta(t, ab, Similarity(b, a), 1e-12)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
		assert.Equal(t, 1.0, Similarity(a, a))
	}
}

func TestNewClampsValues(t *testing.T) {
	s := New(-1, 2, 0.5, 0.5, 0.5, 0.5)
	assert.Equal(t, 0.0, s.RuleDensity())
	assert.Equal(t, 1.0, s.ExecutionEfficiency())
}

func TestOverallHealthInvertsFailureFrequency(t *testing.T) {
	healthy := New(1, 1, 1, 0, 1, 1)
	assert.Equal(t, 1.0, healthy.OverallHealth())
	assert.Equal(t, HealthHigh, healthy.Level())

	broken := New(0, 0, 0, 1, 0, 0)
	assert.Equal(t, 0.0, broken.OverallHealth())
	assert.Equal(t, HealthLow, broken.Level())

	assert.Equal(t, HealthMedium, Neutral().Level())
}

func TestCriticalIssuesOrderedBySeverity(t *testing.T) {
	s := New(0.5, 0.25, 0.9, 0.95, 0.5, 0.5)

	issues := s.CriticalIssues()

	require.Len(t, issues, 2)
	assert.Equal(t, FailureFrequency, issues[0].Dimension)
	assert.Equal(t, ExecutionEfficiency, issues[1].Dimension)
	assert.Equal(t, "failure_frequency", s.PrimaryIssue())
	assert.Equal(t, "none", Neutral().PrimaryIssue())
}

func TestScoreJSON(t *testing.T) {
	s := New(0.1, 0.2, 0.3, 0.4, 0.5, 0.6)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back Score
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)

	err = json.Unmarshal([]byte(`{"mood": 1}`), &back)
	assert.Error(t, err)
}
