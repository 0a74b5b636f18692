package tracker

import (
	"time"

	"github.com/cwbudde/paramtuner/internal/feedback"
)

// Trend is the direction of recent improvement scores.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// TrendReport summarizes the records inside a time window.
type TrendReport struct {
	Days              int            `json:"days"`
	Since             time.Time      `json:"since"`
	Total             int            `json:"total"`
	Distribution      map[string]int `json:"distribution"`
	MeanImprovement   float64        `json:"meanImprovement"`
	SuccessRate       float64        `json:"successRate"`
	Trend             Trend          `json:"trend"`
	MostEffective     string         `json:"mostEffective,omitempty"`
	MostEffectiveMean float64        `json:"mostEffectiveMean,omitempty"`
}

// AnalyzeStrategyTrends reports on the records of the last `days` days
// (every retained record when days <= 0). The trend compares the mean of
// the newest TrendWindow records with the mean of the TrendWindow records
// before them; with nothing to compare against it is stable.
func (t *Tracker) AnalyzeStrategyTrends(days int) TrendReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := TrendReport{
		Days:         days,
		Distribution: make(map[string]int),
		Trend:        TrendStable,
	}

	var records []feedback.Record
	if days > 0 {
		report.Since = t.now().Add(-time.Duration(days) * 24 * time.Hour)
		records = t.history.Since(report.Since)
	} else {
		records = t.history.All()
	}
	report.Total = len(records)
	if len(records) == 0 {
		return report
	}

	imps := improvements(records)
	successes := 0
	byStrategy := make(map[string][]float64)
	for _, r := range records {
		report.Distribution[r.Strategy()]++
		if r.Improvement() > t.cfg.SuccessThreshold {
			successes++
		}
		byStrategy[r.Strategy()] = append(byStrategy[r.Strategy()], r.Improvement())
	}
	report.MeanImprovement = mean(imps)
	report.SuccessRate = float64(successes) / float64(len(records))

	means := make(map[string]float64, len(byStrategy))
	for s, v := range byStrategy {
		means[s] = mean(v)
	}
	report.MostEffective = bestByMean(means)
	report.MostEffectiveMean = means[report.MostEffective]

	w := t.cfg.TrendWindow
	n := len(imps)
	recentStart := n - w
	if recentStart < 0 {
		recentStart = 0
	}
	priorStart := recentStart - w
	if priorStart < 0 {
		priorStart = 0
	}
	if recentStart > priorStart {
		diff := mean(imps[recentStart:]) - mean(imps[priorStart:recentStart])
		switch {
		case diff > t.cfg.TrendThreshold:
			report.Trend = TrendRising
		case diff < -t.cfg.TrendThreshold:
			report.Trend = TrendFalling
		}
	}
	return report
}
