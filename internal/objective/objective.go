// Package objective provides synthetic objectives for exercising the
// optimizer from the CLI and the HTTP API. Each one peaks at the space
// defaults, measured on the unit-cube encoding.
package objective

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/cwbudde/paramtuner/internal/optimizer"
	"github.com/cwbudde/paramtuner/internal/space"
)

// ErrUnknownObjective is returned by Builtin for unregistered names.
var ErrUnknownObjective = errors.New("unknown objective")

// DefaultNoise is the standard deviation of the noisy objective.
const DefaultNoise = 0.01

type factory func(sp *space.Space, target []float64, seed int64) optimizer.Objective

var builtins = map[string]factory{
	"quadratic": func(sp *space.Space, target []float64, _ int64) optimizer.Objective {
		return optimizer.ObjectiveFunc(func(ctx context.Context, params space.Set) (float64, error) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return quadratic(sp.Encode(params), target), nil
		})
	},
	"rastrigin": func(sp *space.Space, target []float64, _ int64) optimizer.Objective {
		return optimizer.ObjectiveFunc(func(ctx context.Context, params space.Set) (float64, error) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return rastrigin(sp.Encode(params), target), nil
		})
	},
	"noisy": func(sp *space.Space, target []float64, seed int64) optimizer.Objective {
		var mu sync.Mutex
		rng := rand.New(rand.NewSource(seed))
		return optimizer.ObjectiveFunc(func(ctx context.Context, params space.Set) (float64, error) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			mu.Lock()
			noise := rng.NormFloat64() * DefaultNoise
			mu.Unlock()
			return quadratic(sp.Encode(params), target) + noise, nil
		})
	},
}

// Names lists the built-in objectives.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns the named objective over sp.
func Builtin(name string, sp *space.Space, seed int64) (optimizer.Objective, error) {
	f, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownObjective, name, Names())
	}
	return f(sp, sp.Encode(sp.Defaults()), seed), nil
}

// quadratic is the negative squared distance to target. Its maximum is 0.
func quadratic(x, target []float64) float64 {
	d := 0.0
	for i := range x {
		diff := x[i] - target[i]
		d += diff * diff
	}
	return -d
}

// rastrigin is the negated Rastrigin function centred on target, scaled so
// the unit cube maps onto [-5.12, 5.12] around it. Its maximum is 0.
func rastrigin(x, target []float64) float64 {
	const a = 10
	sum := a * float64(len(x))
	for i := range x {
		z := (x[i] - target[i]) * 5.12
		sum += z*z - a*math.Cos(2*math.Pi*z)
	}
	return -sum
}
