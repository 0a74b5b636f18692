// Package tracker records which strategies were applied in which
// situations, how well they worked, and recommends strategies for new
// situations from that history.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/situation"
)

// ErrInvalidRecord is returned when a strategy application cannot be recorded.
var ErrInvalidRecord = errors.New("invalid strategy application")

// Config tunes the tracker.
type Config struct {
	Capacity            int     `json:"capacity" mapstructure:"capacity"`
	SimilarityThreshold float64 `json:"similarityThreshold" mapstructure:"similarity_threshold"`
	SuccessThreshold    float64 `json:"successThreshold" mapstructure:"success_threshold"`
	DefaultStrategy     string  `json:"defaultStrategy" mapstructure:"default_strategy"`
	DefaultConfidence   float64 `json:"defaultConfidence" mapstructure:"default_confidence"`
	SuccessBoost        float64 `json:"successBoost" mapstructure:"success_boost"`
	TrendWindow         int     `json:"trendWindow" mapstructure:"trend_window"`
	TrendThreshold      float64 `json:"trendThreshold" mapstructure:"trend_threshold"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:            feedback.DefaultCapacity,
		SimilarityThreshold: 0.8,
		SuccessThreshold:    0.6,
		DefaultStrategy:     "balanced",
		DefaultConfidence:   0.5,
		SuccessBoost:        1.2,
		TrendWindow:         5,
		TrendThreshold:      0.1,
	}
}

// StrategyStats aggregates every application of one strategy. Count, mean,
// success rate and performance gain cover the strategy's whole lifetime;
// the median covers its retained per-strategy view.
type StrategyStats struct {
	Strategy            string    `json:"strategy"`
	Count               int       `json:"count"`
	MeanImprovement     float64   `json:"meanImprovement"`
	MedianImprovement   float64   `json:"medianImprovement"`
	SuccessRate         float64   `json:"successRate"`
	MeanPerformanceGain float64   `json:"meanPerformanceGain"`
	LastApplied         time.Time `json:"lastApplied"`

	sumImprovement float64
	successes      int
	sumGain        float64
	gainSamples    int
}

// PatternKey buckets situations by health level and primary critical issue.
type PatternKey struct {
	Level        situation.HealthLevel `json:"level"`
	PrimaryIssue string                `json:"primaryIssue"`
}

func (k PatternKey) String() string {
	return string(k.Level) + "/" + k.PrimaryIssue
}

// PatternOf returns the bucket a situation falls into.
func PatternOf(s situation.Score) PatternKey {
	return PatternKey{Level: s.Level(), PrimaryIssue: s.PrimaryIssue()}
}

// PatternStats aggregates applications per situation bucket.
type PatternStats struct {
	Pattern      PatternKey         `json:"pattern"`
	Count        int                `json:"count"`
	Strategies   map[string]int     `json:"strategies"`
	Improvements map[string]float64 `json:"meanImprovements"`
	BestStrategy string             `json:"bestStrategy"`
}

// Tracker owns the effectiveness history. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	cfg      Config
	history  *feedback.History
	stats    map[string]*StrategyStats
	patterns map[PatternKey]*PatternStats
	now      func() time.Time
}

// New creates an empty tracker.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = def.DefaultConfidence
	}
	if cfg.SuccessBoost <= 0 {
		cfg.SuccessBoost = def.SuccessBoost
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = def.TrendWindow
	}
	if cfg.TrendThreshold <= 0 {
		cfg.TrendThreshold = def.TrendThreshold
	}
	return &Tracker{
		cfg:      cfg,
		history:  feedback.NewHistory(cfg.Capacity),
		stats:    make(map[string]*StrategyStats),
		patterns: make(map[PatternKey]*PatternStats),
		now:      time.Now,
	}
}

// Config returns the tracker's configuration.
func (t *Tracker) Config() Config { return t.cfg }

// RecordStrategyApplication creates a record and folds it into the history,
// the per-strategy statistics and the pattern buckets.
func (t *Tracker) RecordStrategyApplication(strategy string, sit situation.Score, before, after feedback.Metrics, improvement float64, duration time.Duration) (feedback.Record, error) {
	if strategy == "" {
		return feedback.Record{}, fmt.Errorf("%w: strategy cannot be empty", ErrInvalidRecord)
	}
	if math.IsNaN(improvement) || math.IsInf(improvement, 0) {
		return feedback.Record{}, fmt.Errorf("%w: improvement must be finite", ErrInvalidRecord)
	}
	rec := feedback.NewRecord(strategy, sit, before, after, improvement, duration).WithTimestamp(t.now())
	t.Add(rec)
	return rec, nil
}

// Add folds an existing record in, e.g. one loaded from storage.
func (t *Tracker) Add(rec feedback.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history.Append(rec)
	t.updateStats(rec)
	t.updatePattern(rec)

	slog.Debug("Strategy application recorded",
		"strategy", rec.Strategy(),
		"improvement", rec.Improvement(),
		"pattern", PatternOf(rec.Situation()).String(),
	)
}

func (t *Tracker) updateStats(rec feedback.Record) {
	st, ok := t.stats[rec.Strategy()]
	if !ok {
		st = &StrategyStats{Strategy: rec.Strategy()}
		t.stats[rec.Strategy()] = st
	}
	st.Count++
	st.sumImprovement += rec.Improvement()
	if rec.Improvement() > t.cfg.SuccessThreshold {
		st.successes++
	}
	if g, ok := rec.Gain(feedback.MetricPerformance); ok {
		st.sumGain += g
		st.gainSamples++
	}
	st.MeanImprovement = st.sumImprovement / float64(st.Count)
	st.SuccessRate = float64(st.successes) / float64(st.Count)
	if st.gainSamples > 0 {
		st.MeanPerformanceGain = st.sumGain / float64(st.gainSamples)
	}
	st.MedianImprovement = median(improvements(t.history.ByStrategy(rec.Strategy())))
	if rec.Timestamp().After(st.LastApplied) {
		st.LastApplied = rec.Timestamp()
	}
}

func (t *Tracker) updatePattern(rec feedback.Record) {
	key := PatternOf(rec.Situation())
	p, ok := t.patterns[key]
	if !ok {
		p = &PatternStats{
			Pattern:      key,
			Strategies:   make(map[string]int),
			Improvements: make(map[string]float64),
		}
		t.patterns[key] = p
	}
	p.Count++
	n := p.Strategies[rec.Strategy()] + 1
	p.Strategies[rec.Strategy()] = n
	mean := p.Improvements[rec.Strategy()]
	p.Improvements[rec.Strategy()] = mean + (rec.Improvement()-mean)/float64(n)
	p.BestStrategy = bestByMean(p.Improvements)
}

// Stats returns a copy of one strategy's statistics.
func (t *Tracker) Stats(strategy string) (StrategyStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.stats[strategy]
	if !ok {
		return StrategyStats{}, false
	}
	return *st, true
}

// AllStats returns every strategy's statistics sorted by name.
func (t *Tracker) AllStats() []StrategyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allStatsLocked()
}

func (t *Tracker) allStatsLocked() []StrategyStats {
	out := make([]StrategyStats, 0, len(t.stats))
	for _, st := range t.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

// Patterns returns every pattern bucket sorted by key.
func (t *Tracker) Patterns() []PatternStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.patternsLocked()
}

func (t *Tracker) patternsLocked() []PatternStats {
	out := make([]PatternStats, 0, len(t.patterns))
	for _, p := range t.patterns {
		cp := *p
		cp.Strategies = make(map[string]int, len(p.Strategies))
		for k, v := range p.Strategies {
			cp.Strategies[k] = v
		}
		cp.Improvements = make(map[string]float64, len(p.Improvements))
		for k, v := range p.Improvements {
			cp.Improvements[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern.String() < out[j].Pattern.String() })
	return out
}

// Records returns the retained history, oldest first.
func (t *Tracker) Records() []feedback.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.history.All()
}

// Recent returns up to n of the newest records, oldest first.
func (t *Tracker) Recent(n int) []feedback.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.history.Recent(n)
}

// Reset drops the history and every aggregate.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.Clear()
	t.stats = make(map[string]*StrategyStats)
	t.patterns = make(map[PatternKey]*PatternStats)
}

func improvements(records []feedback.Record) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r.Improvement()
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// bestByMean returns the key with the highest value, ties broken by name.
func bestByMean(m map[string]float64) string {
	best := ""
	for k, v := range m {
		if best == "" || v > m[best] || (v == m[best] && k < best) {
			best = k
		}
	}
	return best
}
