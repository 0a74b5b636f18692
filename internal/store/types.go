package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/paramtuner/internal/space"
)

// JobConfig holds configuration for an optimization job (checkpoint copy).
// This avoids import cycles with server package.
type JobConfig struct {
	Objective          string       `json:"objective"`
	Strategy           string       `json:"strategy"` // grid, random, local_perturbation, genetic, mayfly
	Space              []space.Spec `json:"space"`
	MaxIterations      int          `json:"maxIterations"`
	BatchSize          int          `json:"batchSize,omitempty"`
	MaxTimeSeconds     float64      `json:"maxTimeSeconds,omitempty"`
	Seed               int64        `json:"seed"`
	DisableSwitching   bool         `json:"disableSwitching,omitempty"`
	CheckpointInterval int          `json:"checkpointInterval,omitempty"` // Checkpoint every N seconds (0 = disabled)
}

// ParamNames returns the declared parameter names in order.
func (c JobConfig) ParamNames() []string {
	names := make([]string, len(c.Space))
	for i, s := range c.Space {
		names[i] = s.Name
	}
	return names
}

// Checkpoint represents a saved optimization state that can be resumed later.
//
// Only the best parameters and counters are saved. Strategy internals
// (populations, perturbation history, the mayfly swarm) are rebuilt on
// resume and the best point is warm-started into the fresh controller, so
// a resumed job never reports a worse best score than its checkpoint.
type Checkpoint struct {
	// JobID is the unique identifier for this optimization job
	JobID string `json:"jobId"`

	// BestParams is the best parameter set evaluated so far
	BestParams space.Set `json:"bestParams"`

	// BestScore is the objective value achieved by BestParams (higher is better)
	BestScore float64 `json:"bestScore"`

	// Strategy is the search strategy active when the checkpoint was taken.
	// It may differ from Config.Strategy after stagnation switches.
	Strategy string `json:"strategy"`

	// Evaluations counts objective evaluations, failed ones included
	Evaluations int `json:"evaluations"`

	// Iteration is the current iteration count when this checkpoint was created
	Iteration int `json:"iteration"`

	Timestamp time.Time `json:"timestamp"`

	// Config holds the job configuration, needed for validation during resume.
	Config JobConfig `json:"config"`
}

// CheckpointInfo contains metadata about a checkpoint without the parameter data.
type CheckpointInfo struct {
	JobID       string    `json:"jobId"`
	BestScore   float64   `json:"bestScore"`
	Iteration   int       `json:"iteration"`
	Evaluations int       `json:"evaluations"`
	Timestamp   time.Time `json:"timestamp"`
	Objective   string    `json:"objective"`
	Strategy    string    `json:"strategy"`
	Params      int       `json:"params"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
}

// NewCheckpoint creates a checkpoint from job state.
func NewCheckpoint(jobID string, bestParams space.Set, bestScore float64, strategy string, evaluations, iteration int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:       jobID,
		BestParams:  bestParams.Clone(),
		BestScore:   bestScore,
		Strategy:    strategy,
		Evaluations: evaluations,
		Iteration:   iteration,
		Timestamp:   time.Now(),
		Config:      config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:       c.JobID,
		BestScore:   c.BestScore,
		Iteration:   c.Iteration,
		Evaluations: c.Evaluations,
		Timestamp:   c.Timestamp,
		Objective:   c.Config.Objective,
		Strategy:    c.Strategy,
		Params:      len(c.Config.Space),
	}
}

// Validate checks if the checkpoint has valid data.
// Returns an error if any required field is missing or invalid.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if c.BestParams == nil {
		return &ValidationError{Field: "BestParams", Reason: "cannot be nil"}
	}
	if len(c.BestParams) == 0 {
		return &ValidationError{Field: "BestParams", Reason: "cannot be empty"}
	}
	if math.IsNaN(c.BestScore) || math.IsInf(c.BestScore, 0) {
		return &ValidationError{Field: "BestScore", Reason: "must be finite"}
	}
	if c.Evaluations < 0 {
		return &ValidationError{Field: "Evaluations", Reason: "cannot be negative"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Objective == "" {
		return &ValidationError{Field: "Config.Objective", Reason: "cannot be empty"}
	}
	if c.Config.Strategy == "" {
		return &ValidationError{Field: "Config.Strategy", Reason: "cannot be empty"}
	}
	if c.Config.MaxIterations <= 0 {
		return &ValidationError{Field: "Config.MaxIterations", Reason: "must be positive"}
	}
	if len(c.Config.Space) == 0 {
		return &ValidationError{Field: "Config.Space", Reason: "cannot be empty"}
	}
	if _, err := space.New(c.Config.Space...); err != nil {
		return &ValidationError{Field: "Config.Space", Reason: err.Error()}
	}
	// Every declared parameter must be present in BestParams and nothing else
	if len(c.BestParams) != len(c.Config.Space) {
		return &ValidationError{
			Field:  "BestParams",
			Reason: fmt.Sprintf("length mismatch: expected %d params, got %d", len(c.Config.Space), len(c.BestParams)),
		}
	}
	for _, name := range c.Config.ParamNames() {
		if _, ok := c.BestParams[name]; !ok {
			return &ValidationError{Field: "BestParams", Reason: "missing parameter " + name}
		}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
// The objective and the parameter names must match; budgets and strategy may change.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.Objective != config.Objective {
		return &CompatibilityError{
			Field:    "Objective",
			Expected: c.Config.Objective,
			Actual:   config.Objective,
		}
	}
	want, got := c.Config.ParamNames(), config.ParamNames()
	if len(want) != len(got) {
		return &CompatibilityError{
			Field:    "Space",
			Expected: fmt.Sprintf("%d params", len(want)),
			Actual:   fmt.Sprintf("%d params", len(got)),
		}
	}
	for i := range want {
		if want[i] != got[i] {
			return &CompatibilityError{
				Field:    fmt.Sprintf("Space[%d]", i),
				Expected: want[i],
				Actual:   got[i],
			}
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
