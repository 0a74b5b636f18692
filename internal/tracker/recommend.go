package tracker

import (
	"sort"

	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/situation"
)

// Recommendation is the tracker's pick for a situation.
type Recommendation struct {
	Strategy string `json:"strategy"`
	// Confidence is the expected improvement score of the pick. It is not
	// capped at 1: the success boost can push it above.
	Confidence   float64            `json:"confidence"`
	SimilarCases int                `json:"similarCases"`
	Default      bool               `json:"default"`
	Scores       map[string]float64 `json:"scores,omitempty"`
}

// RecommendOptimalStrategy scores every strategy applied in a situation
// whose similarity to sit reaches the threshold. A strategy with
// successful applications scores the mean of those times the success
// boost; otherwise it scores its plain mean. The highest score wins, ties
// broken by name. Without similar history the default strategy is
// returned at the default confidence.
func (t *Tracker) RecommendOptimalStrategy(sit situation.Score) Recommendation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byStrategy := make(map[string][]float64)
	similar := 0
	for _, r := range t.history.All() {
		if situation.Similarity(r.Situation(), sit) < t.cfg.SimilarityThreshold {
			continue
		}
		similar++
		byStrategy[r.Strategy()] = append(byStrategy[r.Strategy()], r.Improvement())
	}

	if similar == 0 {
		return Recommendation{
			Strategy:   t.cfg.DefaultStrategy,
			Confidence: t.cfg.DefaultConfidence,
			Default:    true,
		}
	}

	scores := make(map[string]float64, len(byStrategy))
	for strategy, imps := range byStrategy {
		scores[strategy] = t.expectedScore(imps)
	}

	names := make([]string, 0, len(scores))
	for n := range scores {
		names = append(names, n)
	}
	sort.Strings(names)
	best := names[0]
	for _, n := range names[1:] {
		if scores[n] > scores[best] {
			best = n
		}
	}

	return Recommendation{
		Strategy:     best,
		Confidence:   scores[best],
		SimilarCases: similar,
		Scores:       scores,
	}
}

func (t *Tracker) expectedScore(imps []float64) float64 {
	var successful []float64
	for _, v := range imps {
		if v > t.cfg.SuccessThreshold {
			successful = append(successful, v)
		}
	}
	if len(successful) > 0 {
		return mean(successful) * t.cfg.SuccessBoost
	}
	return mean(imps)
}

// SimilarRecords returns retained records whose situation is at least
// threshold-similar to sit, oldest first.
func (t *Tracker) SimilarRecords(sit situation.Score) []feedback.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []feedback.Record
	for _, r := range t.history.All() {
		if situation.Similarity(r.Situation(), sit) >= t.cfg.SimilarityThreshold {
			out = append(out, r)
		}
	}
	return out
}
