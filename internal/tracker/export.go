package tracker

import (
	"errors"
	"fmt"
)

// Export formats.
const (
	FormatSummary  = "summary"
	FormatDetailed = "detailed"
	FormatRaw      = "raw"
)

// ErrUnknownFormat is returned by Export for unsupported formats.
var ErrUnknownFormat = errors.New("unknown export format")

// Export renders the tracker's state as a generic key/value document.
func (t *Tracker) Export(format string) (map[string]any, error) {
	switch format {
	case "", FormatSummary:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.summaryLocked(), nil
	case FormatDetailed:
		trends := t.AnalyzeStrategyTrends(0)
		t.mu.RLock()
		defer t.mu.RUnlock()
		out := t.summaryLocked()
		out["format"] = FormatDetailed
		out["strategy_stats"] = t.allStatsLocked()
		out["patterns"] = t.patternsLocked()
		out["trends"] = trends
		return out, nil
	case FormatRaw:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return map[string]any{
			"format":  FormatRaw,
			"config":  t.cfg,
			"records": t.history.All(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func (t *Tracker) summaryLocked() map[string]any {
	strategies := make(map[string]any, len(t.stats))
	means := make(map[string]float64, len(t.stats))
	total := 0
	for name, st := range t.stats {
		strategies[name] = map[string]any{
			"count":            st.Count,
			"mean_improvement": st.MeanImprovement,
			"success_rate":     st.SuccessRate,
		}
		means[name] = st.MeanImprovement
		total += st.Count
	}
	return map[string]any{
		"format":           FormatSummary,
		"retained_records": t.history.Len(),
		"total_records":    total,
		"strategies":       strategies,
		"pattern_count":    len(t.patterns),
		"best_strategy":    bestByMean(means),
	}
}
