// Package metrics exposes Prometheus collectors for the tuning engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	bestScore          prometheus.Gauge
	strategySwitches   *prometheus.CounterVec
	suggestions        *prometheus.CounterVec
	records            *prometheus.CounterVec
	rewards            prometheus.Histogram
	recommendations    *prometheus.CounterVec
	activeJobs         prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paramtuner_evaluations_total",
			Help: "Total number of objective evaluations",
		}, []string{"outcome"}),
		evaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paramtuner_evaluation_duration_seconds",
			Help:    "Duration of objective evaluations",
			Buckets: prometheus.DefBuckets,
		}),
		bestScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "paramtuner_best_score",
			Help: "Best objective value of the most recent optimization",
		}),
		strategySwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paramtuner_strategy_switches_total",
			Help: "Total number of search strategy switches on stagnation",
		}, []string{"from", "to"}),
		suggestions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paramtuner_suggestions_total",
			Help: "Total number of parameter suggestions by algorithm",
		}, []string{"algorithm"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paramtuner_strategy_applications_total",
			Help: "Total number of recorded strategy applications",
		}, []string{"strategy"}),
		rewards: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paramtuner_reward",
			Help:    "Shaped rewards fed to the strategy agent",
			Buckets: prometheus.LinearBuckets(-1, 0.25, 9),
		}),
		recommendations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paramtuner_recommendations_total",
			Help: "Total number of strategy recommendations",
		}, []string{"strategy", "source"}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "paramtuner_active_jobs",
			Help: "Number of running optimization jobs",
		}),
	}
}

// ObserveEvaluation counts one objective evaluation.
func (m *Metrics) ObserveEvaluation(failed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(d.Seconds())
}

// SetBestScore publishes the best objective value.
func (m *Metrics) SetBestScore(v float64) {
	if m == nil {
		return
	}
	m.bestScore.Set(v)
}

// StrategySwitched counts a switch between search strategies or algorithms.
func (m *Metrics) StrategySwitched(from, to string) {
	if m == nil {
		return
	}
	m.strategySwitches.WithLabelValues(from, to).Inc()
}

// Suggested counts one parameter suggestion.
func (m *Metrics) Suggested(algorithm string) {
	if m == nil {
		return
	}
	m.suggestions.WithLabelValues(algorithm).Inc()
}

// Recorded counts one strategy application and its shaped reward.
func (m *Metrics) Recorded(strategy string, reward float64) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(strategy).Inc()
	m.rewards.Observe(reward)
}

// Recommended counts one recommendation.
func (m *Metrics) Recommended(strategy, source string) {
	if m == nil {
		return
	}
	m.recommendations.WithLabelValues(strategy, source).Inc()
}

// JobStarted and JobFinished track running jobs.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
}
