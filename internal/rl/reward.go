package rl

import (
	"math"
	"time"

	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/space"
)

// RewardConfig holds the shaping weights.
type RewardConfig struct {
	SuccessBonus      float64       `json:"successBonus" mapstructure:"success_bonus"`
	PerformanceWeight float64       `json:"performanceWeight" mapstructure:"performance_weight"`
	EfficiencyWeight  float64       `json:"efficiencyWeight" mapstructure:"efficiency_weight"`
	HealthWeight      float64       `json:"healthWeight" mapstructure:"health_weight"`
	FailurePenalty    float64       `json:"failurePenalty" mapstructure:"failure_penalty"`
	FailureThreshold  float64       `json:"failureThreshold" mapstructure:"failure_threshold"`
	SpeedBonus        float64       `json:"speedBonus" mapstructure:"speed_bonus"`
	SpeedLimit        time.Duration `json:"speedLimit" mapstructure:"speed_limit"`
	SuccessThreshold  float64       `json:"successThreshold" mapstructure:"success_threshold"`
}

// DefaultRewardConfig returns the stock weights.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		SuccessBonus:      0.2,
		PerformanceWeight: 0.3,
		EfficiencyWeight:  0.2,
		HealthWeight:      0.5,
		FailurePenalty:    0.1,
		FailureThreshold:  0.3,
		SpeedBonus:        0.05,
		SpeedLimit:        30 * time.Second,
		SuccessThreshold:  0.6,
	}
}

// Outcome is what happened after an action.
type Outcome struct {
	// Improvement is the reported improvement score, nominally in [-1, 1].
	Improvement      float64
	Success          bool
	PerformanceGain  float64
	EfficiencyGain   float64
	HealthBefore     float64
	HealthAfter      float64
	FailureFrequency float64
	// Duration of the action; zero means unknown and earns no speed bonus.
	Duration time.Duration
}

// ShapeReward combines an outcome into a scalar reward in [-1, 1].
// Non-finite components contribute nothing; performance and efficiency
// losses are not penalized beyond the improvement score itself.
func ShapeReward(o Outcome, cfg RewardConfig) float64 {
	r := finite(o.Improvement)
	if o.Success {
		r += cfg.SuccessBonus
	}
	r += cfg.PerformanceWeight * math.Max(0, finite(o.PerformanceGain))
	r += cfg.EfficiencyWeight * math.Max(0, finite(o.EfficiencyGain))
	r += cfg.HealthWeight * (finite(o.HealthAfter) - finite(o.HealthBefore))
	if finite(o.FailureFrequency) > cfg.FailureThreshold {
		r -= cfg.FailurePenalty
	}
	if o.Duration > 0 && o.Duration < cfg.SpeedLimit {
		r += cfg.SpeedBonus
	}
	return space.Clamp(finite(r), -1, 1)
}

// OutcomeFromRecord derives an outcome from an effectiveness record.
// Health comes from the "health" metric when both sides report it,
// otherwise both ends use the applied situation's overall health.
func OutcomeFromRecord(rec feedback.Record, cfg RewardConfig) Outcome {
	sit := rec.Situation()
	o := Outcome{
		Improvement:      rec.Improvement(),
		Success:          rec.Improvement() > cfg.SuccessThreshold,
		HealthBefore:     sit.OverallHealth(),
		FailureFrequency: sit.FailureFrequency(),
		Duration:         rec.Duration(),
	}
	o.HealthAfter = o.HealthBefore
	if g, ok := rec.Gain(feedback.MetricPerformance); ok {
		o.PerformanceGain = g
	}
	if g, ok := rec.Gain(feedback.MetricEfficiency); ok {
		o.EfficiencyGain = g
	}
	before, after := rec.Before(), rec.After()
	hb, okb := before[feedback.MetricHealth]
	ha, oka := after[feedback.MetricHealth]
	if okb && oka {
		o.HealthBefore, o.HealthAfter = hb, ha
	}
	return o
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
