package optimizer

import (
	"math"

	"github.com/cwbudde/paramtuner/internal/rl"
	"github.com/cwbudde/paramtuner/internal/situation"
	"github.com/cwbudde/paramtuner/internal/space"
)

const maxGradient = 10

// paramAction nudges one numeric parameter; index -1 holds everything.
type paramAction struct {
	name  string
	index int
	sign  float64
}

// buildActions returns "hold" followed by an increase and a decrease
// action per numeric parameter.
func buildActions(sp *space.Space) []paramAction {
	actions := []paramAction{{name: "hold", index: -1}}
	for i, s := range sp.Specs() {
		if !s.Numeric() {
			continue
		}
		actions = append(actions,
			paramAction{name: s.Name + ":increase", index: i, sign: 1},
			paramAction{name: s.Name + ":decrease", index: i, sign: -1},
		)
	}
	return actions
}

func actionNames(actions []paramAction) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.name
	}
	return names
}

// gradientStep estimates the effect of each coordinate on performance by
// finite differences over the recent gradient observations and takes a
// momentum step. Without any usable difference it probes randomly.
func (d *Dynamic) gradientStep() []float64 {
	x := append([]float64(nil), d.position...)
	obs := d.observations[AlgorithmGradient]
	if len(obs) > d.cfg.TrendWindow {
		obs = obs[len(obs)-d.cfg.TrendWindow:]
	}

	grad := make([]float64, len(x))
	counts := make([]int, len(x))
	for i := 1; i < len(obs); i++ {
		a, b := obs[i-1], obs[i]
		dp := b.perf - a.perf
		for j := range grad {
			if j >= len(a.x) || j >= len(b.x) {
				continue
			}
			dx := b.x[j] - a.x[j]
			if math.Abs(dx) < 1e-9 {
				continue
			}
			grad[j] += dp / dx
			counts[j]++
		}
	}

	informative := false
	for j := range grad {
		if counts[j] == 0 {
			continue
		}
		grad[j] = space.Clamp(grad[j]/float64(counts[j]), -maxGradient, maxGradient)
		if grad[j] != 0 {
			informative = true
		}
	}
	if !informative {
		for j := range x {
			x[j] += d.rng.NormFloat64() * d.cfg.ProbeScale
		}
		return x
	}

	for j := range x {
		d.velocity[j] = *d.cfg.Momentum*d.velocity[j] + d.learningRate*grad[j]
		x[j] += d.velocity[j]
	}
	return x
}

// bayesianStep delegates to the local perturbation search.
func (d *Dynamic) bayesianStep() []float64 {
	params, ok := d.local.SuggestNext()
	if !ok {
		if best, _, found := d.local.Best(); found {
			params = best
		} else {
			params = d.current
		}
	}
	return d.sp.Encode(params)
}

// reinforcementStep lets the agent pick a nudge for one parameter.
func (d *Dynamic) reinforcementStep(state rl.State) []float64 {
	a := rl.Act(d.agent, state)
	if a < 0 || a >= len(d.actions) {
		a = 0
	}
	d.lastState = state
	d.lastAction = a
	d.lastActed = d.now()
	d.hasAction = true

	x := append([]float64(nil), d.position...)
	if act := d.actions[a]; act.index >= 0 {
		x[act.index] += act.sign * d.cfg.ActionStep
	}
	return x
}

// adaptiveStep adjusts the learning rate from the short-term performance
// trend and moves every numeric parameter along its declared response,
// scaled by how far health is below the midpoint.
func (d *Dynamic) adaptiveStep(sit situation.Score) []float64 {
	history := d.monitor.History()
	if len(history) > d.cfg.TrendWindow {
		history = history[len(history)-d.cfg.TrendWindow:]
	}
	slope := trendSlope(history)
	switch {
	case slope > d.cfg.SlopeThreshold:
		d.learningRate *= d.cfg.LRIncrease
	case slope < -d.cfg.SlopeThreshold:
		d.learningRate *= d.cfg.LRDecrease
	}
	d.learningRate = space.Clamp(d.learningRate, d.cfg.MinLearningRate, d.cfg.MaxLearningRate)

	pressure := (0.5 - sit.OverallHealth()) * 2
	x := append([]float64(nil), d.position...)
	for i, s := range d.sp.Specs() {
		if !s.Numeric() {
			continue
		}
		x[i] += d.learningRate * s.Response.Sign() * pressure
	}
	return x
}

// trendSlope is the least-squares slope of ys against their index.
func trendSlope(ys []float64) float64 {
	n := float64(len(ys))
	if len(ys) < 2 {
		return 0
	}
	mx := (n - 1) / 2
	my := meanOf(ys)
	var num, den float64
	for i, y := range ys {
		dx := float64(i) - mx
		num += dx * (y - my)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}
