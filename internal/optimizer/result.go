package optimizer

import (
	"encoding/json"
	"math"
	"time"

	"github.com/cwbudde/paramtuner/internal/search"
	"github.com/cwbudde/paramtuner/internal/space"
)

// StopReason explains why a run ended.
type StopReason string

const (
	StopExhausted     StopReason = "exhausted"
	StopConverged     StopReason = "converged"
	StopMaxIterations StopReason = "max_iterations"
	StopDeadline      StopReason = "deadline"
	StopCancelled     StopReason = "cancelled"
)

// Interval is a confidence interval around the mean of recent values.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// Switch records a strategy change on stagnation.
type Switch struct {
	Evaluation int         `json:"evaluation"`
	From       search.Kind `json:"from"`
	To         search.Kind `json:"to"`
	Replayed   int         `json:"replayed"`
}

// Result is the terminal snapshot of a run.
type Result struct {
	Parameters         space.Set     `json:"parameters"`
	ObjectiveValue     float64       `json:"objectiveValue"`
	EvaluationCount    int           `json:"evaluationCount"`
	Failures           int           `json:"failures"`
	ConvergenceHistory []float64     `json:"convergenceHistory"`
	BestIteration      int           `json:"bestIteration"`
	Iterations         int           `json:"iterations"`
	Strategy           search.Kind   `json:"strategy"`
	Switches           []Switch      `json:"switches,omitempty"`
	Duration           time.Duration `json:"duration"`
	ConfidenceInterval *Interval     `json:"confidenceInterval,omitempty"`
	StopReason         StopReason    `json:"stopReason"`
}

// Found reports whether any evaluation succeeded.
func (r Result) Found() bool {
	return !math.IsInf(r.ObjectiveValue, -1)
}

// MarshalJSON encodes non-finite scores as null.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		ObjectiveValue     *float64   `json:"objectiveValue"`
		ConvergenceHistory []*float64 `json:"convergenceHistory"`
	}{plain: plain(r)}
	out.ObjectiveValue = finitePtr(r.ObjectiveValue)
	out.ConvergenceHistory = make([]*float64, len(r.ConvergenceHistory))
	for i, v := range r.ConvergenceHistory {
		out.ConvergenceHistory[i] = finitePtr(v)
	}
	return json.Marshal(out)
}

// Progress is published after every iteration of a run.
type Progress struct {
	Iteration      int           `json:"iteration"`
	Evaluations    int           `json:"evaluations"`
	Best           float64       `json:"best"`
	BestParameters space.Set     `json:"bestParameters,omitempty"`
	Strategy       search.Kind   `json:"strategy"`
	Elapsed        time.Duration `json:"elapsed"`
}

func finitePtr(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// confidenceInterval returns a normal-approximation 95% interval around
// the mean of values, or nil with fewer than two values.
func confidenceInterval(values []float64) *Interval {
	if len(values) < 2 {
		return nil
	}
	m := meanOf(values)
	ss := 0.0
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	sd := math.Sqrt(ss / float64(len(values)-1))
	half := 1.96 * sd / math.Sqrt(float64(len(values)))
	return &Interval{Lower: m - half, Upper: m + half, Level: 0.95}
}

// MarshalJSON encodes a missing best score as null.
func (p Progress) MarshalJSON() ([]byte, error) {
	type plain Progress
	out := struct {
		plain
		Best *float64 `json:"best"`
	}{plain: plain(p), Best: finitePtr(p.Best)}
	return json.Marshal(out)
}
