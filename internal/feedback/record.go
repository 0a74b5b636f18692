// Package feedback holds effectiveness records: what happened when a
// strategy was applied in a given situation.
package feedback

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/paramtuner/internal/situation"
)

// Well-known metric names. Callers may report any others.
const (
	MetricPerformance = "performance"
	MetricEfficiency  = "efficiency"
	MetricHealth      = "health"
)

// Metrics is a named set of measurements.
type Metrics map[string]float64

// Clone returns a copy of the metrics.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Record describes one application of a strategy. Records are immutable
// once created; accessors return copies.
type Record struct {
	id          string
	strategy    string
	situation   situation.Score
	before      Metrics
	after       Metrics
	improvement float64
	duration    time.Duration
	timestamp   time.Time
}

// NewRecord creates a record stamped with the current time. The improvement
// score is taken as supplied; it is not clamped.
func NewRecord(strategy string, sit situation.Score, before, after Metrics, improvement float64, duration time.Duration) Record {
	return Record{
		id:          uuid.New().String(),
		strategy:    strategy,
		situation:   sit,
		before:      before.Clone(),
		after:       after.Clone(),
		improvement: improvement,
		duration:    duration,
		timestamp:   time.Now(),
	}
}

// WithTimestamp returns a copy of the record carrying a different timestamp.
func (r Record) WithTimestamp(ts time.Time) Record {
	r.timestamp = ts
	return r
}

func (r Record) ID() string { return r.id }
func (r Record) Strategy() string { return r.strategy }
func (r Record) Situation() situation.Score { return r.situation }
func (r Record) Before() Metrics { return r.before.Clone() }
func (r Record) After() Metrics { return r.after.Clone() }
func (r Record) Improvement() float64 { return r.improvement }
func (r Record) Duration() time.Duration { return r.duration }
func (r Record) Timestamp() time.Time { return r.timestamp }

// Gain returns after[name] - before[name], and false when either side is missing.
func (r Record) Gain(name string) (float64, bool) {
	b, okb := r.before[name]
	a, oka := r.after[name]
	if !okb || !oka {
		return 0, false
	}
	return a - b, true
}

// DeriveImprovement estimates an improvement score from before/after
// metrics: the mean relative change over shared metrics, squashed into
// (-1, 1). Returns 0 when the metrics share no names.
func DeriveImprovement(before, after Metrics) float64 {
	var sum float64
	var n int
	for name, b := range before {
		a, ok := after[name]
		if !ok || math.IsNaN(a) || math.IsNaN(b) {
			continue
		}
		denom := math.Max(math.Abs(b), 1e-9)
		sum += (a - b) / denom
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Tanh(sum / float64(n))
}

type recordJSON struct {
	ID          string          `json:"id"`
	Strategy    string          `json:"strategy"`
	Situation   situation.Score `json:"situation"`
	Before      Metrics         `json:"before,omitempty"`
	After       Metrics         `json:"after,omitempty"`
	Improvement float64         `json:"improvement"`
	DurationMS  int64           `json:"durationMs"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:          r.id,
		Strategy:    r.strategy,
		Situation:   r.situation,
		Before:      r.before,
		After:       r.after,
		Improvement: r.improvement,
		DurationMS:  r.duration.Milliseconds(),
		Timestamp:   r.timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Used when loading persisted history.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	*r = Record{
		id:          raw.ID,
		strategy:    raw.Strategy,
		situation:   raw.Situation,
		before:      raw.Before,
		after:       raw.After,
		improvement: raw.Improvement,
		duration:    time.Duration(raw.DurationMS) * time.Millisecond,
		timestamp:   raw.Timestamp,
	}
	if r.id == "" {
		r.id = uuid.New().String()
	}
	return nil
}
