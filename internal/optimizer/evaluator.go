package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/space"
)

// WorstScore is recorded for evaluations that fail.
var WorstScore = math.Inf(-1)

// EvaluationRecord is one scored candidate.
type EvaluationRecord struct {
	Parameters space.Set      `json:"parameters"`
	Value      float64        `json:"value"`
	Failed     bool           `json:"failed"`
	Err        string         `json:"error,omitempty"`
	Started    time.Time      `json:"started"`
	Duration   time.Duration  `json:"duration"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON encodes non-finite values as null.
func (r EvaluationRecord) MarshalJSON() ([]byte, error) {
	type plain EvaluationRecord
	out := struct {
		plain
		Value *float64 `json:"value"`
	}{plain: plain(r)}
	if !math.IsInf(r.Value, 0) && !math.IsNaN(r.Value) {
		v := r.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// Evaluator calls the objective, isolates its failures and keeps every
// result for importance analysis. It is safe for concurrent use.
type Evaluator struct {
	objective Objective
	metrics   *metrics.Metrics

	mu      sync.Mutex
	history []EvaluationRecord
}

// NewEvaluator wraps obj. m may be nil.
func NewEvaluator(obj Objective, m *metrics.Metrics) *Evaluator {
	return &Evaluator{objective: obj, metrics: m}
}

// Evaluate scores params. Errors, panics and NaN results are mapped to
// WorstScore and flagged as failed.
func (e *Evaluator) Evaluate(ctx context.Context, params space.Set) EvaluationRecord {
	rec := e.run(ctx, params)
	e.record(rec)
	return rec
}

// EvaluateBatch scores every candidate using up to workers goroutines.
// Results keep the order of batch.
func (e *Evaluator) EvaluateBatch(ctx context.Context, batch []space.Set, workers int) []EvaluationRecord {
	results := make([]EvaluationRecord, len(batch))
	if workers <= 1 || len(batch) <= 1 {
		for i, params := range batch {
			results[i] = e.run(ctx, params)
		}
	} else {
		p := pool.New().WithMaxGoroutines(workers)
		for i, params := range batch {
			i, params := i, params
			p.Go(func() {
				results[i] = e.run(ctx, params)
			})
		}
		p.Wait()
	}
	for _, rec := range results {
		e.record(rec)
	}
	return results
}

func (e *Evaluator) run(ctx context.Context, params space.Set) (rec EvaluationRecord) {
	rec = EvaluationRecord{
		Parameters: params.Clone(),
		Started:    time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			rec.Value = WorstScore
			rec.Failed = true
			rec.Err = fmt.Sprintf("objective panicked: %v", r)
		}
		rec.Duration = time.Since(rec.Started)
		if rec.Failed {
			slog.Warn("Objective evaluation failed", "error", rec.Err, "params", rec.Parameters.Key())
		}
	}()

	if e.objective == nil {
		rec.Value = WorstScore
		rec.Failed = true
		rec.Err = ErrNoObjective.Error()
		return rec
	}
	v, err := e.objective.Evaluate(ctx, params.Clone())
	switch {
	case err != nil:
		rec.Value = WorstScore
		rec.Failed = true
		rec.Err = err.Error()
	case math.IsNaN(v):
		rec.Value = WorstScore
		rec.Failed = true
		rec.Err = "objective returned NaN"
	default:
		rec.Value = v
	}
	return rec
}

func (e *Evaluator) record(rec EvaluationRecord) {
	e.mu.Lock()
	e.history = append(e.history, rec)
	e.mu.Unlock()
	e.metrics.ObserveEvaluation(rec.Failed, rec.Duration)
}

// History returns a copy of every evaluation in order.
func (e *Evaluator) History() []EvaluationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EvaluationRecord(nil), e.history...)
}

// Count returns the number of evaluations performed.
func (e *Evaluator) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Failures returns the number of failed evaluations.
func (e *Evaluator) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.history {
		if r.Failed {
			n++
		}
	}
	return n
}

// Reset drops the history.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// Importance estimates how strongly each parameter relates to the
// objective over the successful evaluations, on a [0,1] scale. Numeric
// parameters use |Pearson r|; categorical and boolean parameters use the
// share of variance explained by their groups.
func (e *Evaluator) Importance(sp *space.Space) map[string]float64 {
	var ok []EvaluationRecord
	for _, r := range e.History() {
		if !r.Failed && !math.IsInf(r.Value, 0) {
			ok = append(ok, r)
		}
	}
	out := make(map[string]float64, sp.Len())
	values := make([]float64, len(ok))
	for i, r := range ok {
		values[i] = r.Value
	}
	for _, s := range sp.Specs() {
		if len(ok) < 2 {
			out[s.Name] = 0
			continue
		}
		if s.Numeric() {
			xs := make([]float64, len(ok))
			for i, r := range ok {
				xs[i] = r.Parameters.Float(s.Name)
			}
			out[s.Name] = math.Abs(pearson(xs, values))
			continue
		}
		groups := make([]string, len(ok))
		for i, r := range ok {
			groups[i] = r.Parameters.Choice(s.Name)
		}
		out[s.Name] = varianceExplained(groups, values)
	}
	return out
}

func pearson(xs, ys []float64) float64 {
	mx, my := meanOf(xs), meanOf(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

func varianceExplained(groups []string, ys []float64) float64 {
	total := 0.0
	m := meanOf(ys)
	for _, y := range ys {
		total += (y - m) * (y - m)
	}
	if total == 0 {
		return 0
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i, g := range groups {
		sums[g] += ys[i]
		counts[g]++
	}
	between := 0.0
	for g, s := range sums {
		gm := s / float64(counts[g])
		between += float64(counts[g]) * (gm - m) * (gm - m)
	}
	return space.Clamp(between/total, 0, 1)
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
