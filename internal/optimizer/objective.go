// Package optimizer drives optimization runs: the hyperparameter
// Controller searches an objective with the search strategies, and the
// Dynamic optimizer adapts live parameters from effectiveness feedback.
package optimizer

import (
	"context"
	"errors"

	"github.com/cwbudde/paramtuner/internal/space"
)

// ErrNoObjective is returned by Controller.Optimize when no objective is set.
var ErrNoObjective = errors.New("no objective function set")

// Objective scores a parameter set. Higher is better.
type Objective interface {
	Evaluate(ctx context.Context, params space.Set) (float64, error)
}

// ObjectiveFunc adapts a plain function to Objective.
type ObjectiveFunc func(ctx context.Context, params space.Set) (float64, error)

func (f ObjectiveFunc) Evaluate(ctx context.Context, params space.Set) (float64, error) {
	return f(ctx, params)
}
