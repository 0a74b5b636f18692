// Package situation describes the state of the controlled system as a
// fixed set of normalized scores.
package situation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/cwbudde/paramtuner/internal/space"
)

// Dimension indexes one of the situation scores.
type Dimension int

const (
	RuleDensity Dimension = iota
	ExecutionEfficiency
	GoalProgress
	FailureFrequency
	AgentUtilization
	PhaseDistribution

	NumDimensions = 6
)

var dimensionNames = [NumDimensions]string{
	"rule_density",
	"execution_efficiency",
	"goal_progress",
	"failure_frequency",
	"agent_utilization",
	"phase_distribution",
}

func (d Dimension) String() string {
	if d < 0 || int(d) >= NumDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionNames[d]
}

// Dimensions lists every dimension in order.
func Dimensions() []Dimension {
	out := make([]Dimension, NumDimensions)
	for i := range out {
		out[i] = Dimension(i)
	}
	return out
}

// CriticalThreshold is the adverse value above which a dimension is reported
// as a critical issue.
const CriticalThreshold = 0.7

// HealthLevel buckets overall health.
type HealthLevel string

const (
	HealthHigh   HealthLevel = "high"
	HealthMedium HealthLevel = "medium"
	HealthLow    HealthLevel = "low"
)

// Score is an immutable snapshot of the six situation dimensions, each in [0,1].
type Score struct {
	values [NumDimensions]float64
}

// New builds a score, clamping every value into [0,1]. NaN becomes 0.
func New(ruleDensity, executionEfficiency, goalProgress, failureFrequency, agentUtilization, phaseDistribution float64) Score {
	return FromVector([NumDimensions]float64{
		ruleDensity, executionEfficiency, goalProgress,
		failureFrequency, agentUtilization, phaseDistribution,
	})
}

// FromVector builds a score from values in Dimension order.
func FromVector(v [NumDimensions]float64) Score {
	var s Score
	for i, x := range v {
		if math.IsNaN(x) {
			x = 0
		}
		s.values[i] = space.Clamp(x, 0, 1)
	}
	return s
}

// Neutral returns a score with every dimension at 0.5.
func Neutral() Score {
	return New(0.5, 0.5, 0.5, 0.5, 0.5, 0.5)
}

// Value returns the score of one dimension.
func (s Score) Value(d Dimension) float64 {
	if d < 0 || int(d) >= NumDimensions {
		return 0
	}
	return s.values[d]
}

// Vector returns the values in Dimension order.
func (s Score) Vector() [NumDimensions]float64 { return s.values }

func (s Score) RuleDensity() float64 { return s.values[RuleDensity] }
func (s Score) ExecutionEfficiency() float64 { return s.values[ExecutionEfficiency] }
func (s Score) GoalProgress() float64 { return s.values[GoalProgress] }
func (s Score) FailureFrequency() float64 { return s.values[FailureFrequency] }
func (s Score) AgentUtilization() float64 { return s.values[AgentUtilization] }
func (s Score) PhaseDistribution() float64 { return s.values[PhaseDistribution] }

// Goodness returns how favourable a dimension is, in [0,1]. Failure
// frequency is the only dimension where lower is better.
func (s Score) Goodness(d Dimension) float64 {
	v := s.Value(d)
	if d == FailureFrequency {
		return 1 - v
	}
	return v
}

// OverallHealth is the unweighted mean goodness.
func (s Score) OverallHealth() float64 {
	var sum float64
	for _, d := range Dimensions() {
		sum += s.Goodness(d)
	}
	return sum / NumDimensions
}

// Level buckets overall health into high, medium or low.
func (s Score) Level() HealthLevel {
	h := s.OverallHealth()
	switch {
	case h >= 0.7:
		return HealthHigh
	case h >= 0.4:
		return HealthMedium
	default:
		return HealthLow
	}
}

// Issue names a dimension whose adverse value crossed CriticalThreshold.
type Issue struct {
	Dimension Dimension `json:"-"`
	Name      string    `json:"dimension"`
	Severity  float64   `json:"severity"`
}

// CriticalIssues returns the dimensions in a critical state, most severe first.
func (s Score) CriticalIssues() []Issue {
	var issues []Issue
	for _, d := range Dimensions() {
		adverse := 1 - s.Goodness(d)
		if adverse > CriticalThreshold {
			issues = append(issues, Issue{Dimension: d, Name: d.String(), Severity: adverse})
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity > issues[j].Severity
	})
	return issues
}

// PrimaryIssue returns the name of the most severe critical issue, or "none".
func (s Score) PrimaryIssue() string {
	issues := s.CriticalIssues()
	if len(issues) == 0 {
		return "none"
	}
	return issues[0].Name
}

// Similarity returns 1 - mean absolute per-dimension difference. It is
// symmetric, lies in [0,1] and equals 1 for identical scores.
func Similarity(a, b Score) float64 {
	var diff float64
	for i := range a.values {
		diff += math.Abs(a.values[i] - b.values[i])
	}
	return 1 - diff/NumDimensions
}

// MarshalJSON encodes the score as an object keyed by dimension name.
func (s Score) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumDimensions)
	for _, d := range Dimensions() {
		m[d.String()] = s.values[d]
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes an object keyed by dimension name. Missing
// dimensions are 0; unknown keys are rejected.
func (s *Score) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode situation: %w", err)
	}
	var v [NumDimensions]float64
	for k, x := range m {
		d, ok := ParseDimension(k)
		if !ok {
			return fmt.Errorf("unknown situation dimension %q", k)
		}
		v[d] = x
	}
	*s = FromVector(v)
	return nil
}

// ParseDimension resolves a dimension name.
func ParseDimension(name string) (Dimension, bool) {
	for i, n := range dimensionNames {
		if n == name {
			return Dimension(i), true
		}
	}
	return 0, false
}
