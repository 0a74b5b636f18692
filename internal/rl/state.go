package rl

import (
	"math"
	"time"

	"github.com/cwbudde/paramtuner/internal/situation"
	"github.com/cwbudde/paramtuner/internal/space"
)

// StateDim is the length of the state vector: overall health, the six
// situation dimensions, last performance and time since the last action.
const StateDim = situation.NumDimensions + 3

// DefaultHorizon normalizes the time-since-last-action coordinate.
const DefaultHorizon = time.Hour

// State is the continuous observation agents act on. Every coordinate is
// expected in [0,1].
type State [StateDim]float64

// StateKey is the discretized form of a State used to index tabular values.
type StateKey [StateDim]uint8

// NewState builds a state vector. lastPerformance is expected in [-1,1]
// and is rescaled onto [0,1]; sinceLastAction is divided by horizon and
// capped at 1.
func NewState(sit situation.Score, lastPerformance float64, sinceLastAction, horizon time.Duration) State {
	var s State
	s[0] = sit.OverallHealth()
	v := sit.Vector()
	copy(s[1:1+situation.NumDimensions], v[:])
	if math.IsNaN(lastPerformance) {
		lastPerformance = 0
	}
	s[StateDim-2] = space.Clamp((lastPerformance+1)/2, 0, 1)
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	s[StateDim-1] = space.Clamp(float64(sinceLastAction)/float64(horizon), 0, 1)
	return s
}

// Validate rejects states holding NaN or infinite coordinates.
func (s State) Validate() error {
	for i, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &StateError{Index: i, Value: v}
		}
	}
	return nil
}

// Key clips every coordinate to [0,1] and buckets it into `buckets` bins.
func (s State) Key(buckets int) StateKey {
	if buckets <= 0 || buckets > 256 {
		buckets = DefaultBuckets
	}
	var k StateKey
	for i, v := range s {
		if math.IsNaN(v) {
			v = 0
		}
		v = space.Clamp(v, 0, 1)
		k[i] = uint8(space.Clamp(int(v*float64(buckets)), 0, buckets-1))
	}
	return k
}

// features returns the state with a trailing bias term.
func (s State) features() []float64 {
	x := make([]float64, StateDim+1)
	copy(x, s[:])
	x[StateDim] = 1
	return x
}
