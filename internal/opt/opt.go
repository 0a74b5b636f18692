// Package opt wraps black-box continuous minimizers that drive their own
// evaluation loop. Every minimizer here searches the unit cube [0,1]^dim;
// callers map positions onto their domain.
package opt

// Cost is a function to minimize. It is called synchronously from the
// minimizer's goroutine.
type Cost func(x []float64) float64

// Minimizer runs a complete minimization over the unit cube.
type Minimizer interface {
	Minimize(f Cost, dim int) (best []float64, cost float64, err error)

	// Budget estimates the calls to f made by one Minimize.
	Budget() int
}

func clampUnit(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		switch {
		case v < 0:
			out[i] = 0
		case v > 1:
			out[i] = 1
		default:
			out[i] = v
		}
	}
	return out
}
