package optimizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwbudde/paramtuner/internal/convergence"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/search"
	"github.com/cwbudde/paramtuner/internal/space"
)

const tracerName = "github.com/cwbudde/paramtuner/internal/optimizer"

// Defaults for ControllerConfig.
const (
	DefaultMaxIterations   = 100
	DefaultBatchSize       = 1
	DefaultTransferCount   = 5
	DefaultStagnationLimit = 5
)

// ControllerConfig configures a hyperparameter search run.
type ControllerConfig struct {
	Strategy      search.Kind        `json:"strategy" mapstructure:"strategy"`
	Search        search.Config      `json:"search" mapstructure:"search"`
	Convergence   convergence.Config `json:"convergence" mapstructure:"convergence"`
	MaxIterations int                `json:"maxIterations" mapstructure:"max_iterations"`
	// BatchSize is the number of candidates evaluated concurrently per
	// iteration. Mayfly always runs one at a time. Convergence windows and
	// stagnation limits count iterations, not evaluations.
	BatchSize int `json:"batchSize" mapstructure:"batch_size"`
	// TransferCount is the number of recent evaluations replayed into a
	// new strategy after a switch.
	TransferCount    int   `json:"transferCount" mapstructure:"transfer_count"`
	DisableSwitching bool  `json:"disableSwitching" mapstructure:"disable_switching"`
	Seed             int64 `json:"seed" mapstructure:"seed"`
}

// DefaultControllerConfig returns the stock configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Strategy: search.KindLocalPerturbation,
		Search:   search.DefaultConfig(),
		Convergence: convergence.Config{
			Window:          10,
			Threshold:       1e-6,
			StagnationLimit: DefaultStagnationLimit,
		},
		MaxIterations: DefaultMaxIterations,
		BatchSize:     DefaultBatchSize,
		TransferCount: DefaultTransferCount,
	}
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	d := DefaultControllerConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Convergence.Window <= 0 {
		c.Convergence.Window = d.Convergence.Window
	}
	if c.Convergence.Threshold <= 0 {
		c.Convergence.Threshold = d.Convergence.Threshold
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TransferCount < 0 {
		c.TransferCount = 0
	}
	return c
}

// Controller searches the objective over a space with the search
// strategies, switching strategy when the run stagnates. Optimize must not
// be called concurrently; the accessors are safe during a run.
type Controller struct {
	sp  *space.Space
	cfg ControllerConfig
	rng *rand.Rand

	mu         sync.RWMutex
	objective  Objective
	evaluator  *Evaluator
	metrics    *metrics.Metrics
	onProgress func(Progress)
	best       space.Set
	bestScore  float64
	hasBest    bool
	last       *Result
	warm       []EvaluationRecord
}

// NewController builds a controller. Call SetObjective before Optimize.
func NewController(sp *space.Space, cfg ControllerConfig) *Controller {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Controller{
		sp:        sp,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		bestScore: WorstScore,
	}
}

// Space returns the searched space.
func (c *Controller) Space() *space.Space { return c.sp }

// Config returns the effective configuration.
func (c *Controller) Config() ControllerConfig { return c.cfg }

// SetObjective installs the objective and starts a fresh evaluation history.
func (c *Controller) SetObjective(obj Objective) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objective = obj
	c.evaluator = NewEvaluator(obj, c.metrics)
}

// SetMetrics attaches collectors. m may be nil.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
	if c.evaluator != nil {
		c.evaluator.metrics = m
	}
}

// OnProgress registers a callback invoked after every iteration.
func (c *Controller) OnProgress(fn func(Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = fn
}

// Evaluator returns the evaluator of the current objective, or nil.
func (c *Controller) Evaluator() *Evaluator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evaluator
}

// SuggestParameters returns the best parameters found so far, or the
// space defaults before any successful evaluation.
func (c *Controller) SuggestParameters() space.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasBest {
		return c.sp.Defaults()
	}
	return c.best.Clone()
}

// Best returns the best parameters and score across runs.
func (c *Controller) Best() (space.Set, float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasBest {
		return nil, WorstScore, false
	}
	return c.best.Clone(), c.bestScore, true
}

// LastResult returns the result of the most recent run.
func (c *Controller) LastResult() (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// WarmStart seeds the controller with a point evaluated elsewhere, e.g. a
// checkpoint. It becomes the best known point and is replayed into the
// strategy of every later run.
func (c *Controller) WarmStart(params space.Set, score float64) {
	params = c.sp.Clip(params)
	c.observeBest(params, score)
	c.mu.Lock()
	c.warm = append(c.warm, EvaluationRecord{Parameters: params, Value: score})
	c.mu.Unlock()
}

// Reset forgets the best parameters, warm-start points and the evaluation history.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.best = nil
	c.bestScore = WorstScore
	c.hasBest = false
	c.last = nil
	c.warm = nil
	if c.evaluator != nil {
		c.evaluator.Reset()
	}
}

// Optimize runs the search until the strategy is exhausted, the run
// converges, MaxIterations is reached, maxTime elapses (0 means no limit)
// or ctx is done. Cancellation is checked once per iteration. The only
// error is a missing objective or an unusable strategy.
func (c *Controller) Optimize(ctx context.Context, maxTime time.Duration) (Result, error) {
	c.mu.RLock()
	eval := c.evaluator
	m := c.metrics
	onProgress := c.onProgress
	warm := append([]EvaluationRecord(nil), c.warm...)
	c.mu.RUnlock()
	if eval == nil || eval.objective == nil {
		return Result{}, ErrNoObjective
	}

	cfg := c.cfg
	ctx, span := otel.Tracer(tracerName).Start(ctx, "optimizer.Optimize",
		trace.WithAttributes(
			attribute.String("strategy", string(cfg.Strategy)),
			attribute.Int("dimensions", c.sp.Len()),
			attribute.Int("batch_size", cfg.BatchSize),
		),
	)
	defer span.End()

	strategy, err := search.New(cfg.Strategy, c.sp, cfg.Search, c.rng)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid strategy")
		return Result{}, fmt.Errorf("failed to create strategy: %w", err)
	}
	defer func() { closeStrategy(strategy) }()
	for _, w := range warm {
		strategy.Update(w.Parameters, w.Value)
	}

	slog.Info("Starting optimization",
		"strategy", strategy.Kind(),
		"dimensions", c.sp.Len(),
		"max_iterations", cfg.MaxIterations,
		"batch_size", cfg.BatchSize,
		"max_time", maxTime,
	)

	monitor := convergence.NewMonitor(cfg.Convergence)
	start := time.Now()
	var (
		history   []float64
		evals     []EvaluationRecord
		switches  []Switch
		runBest   space.Set
		runScore  = WorstScore
		seenBest  = math.Inf(-1)
		bestIdx   = -1
		iteration int
		stop      = StopMaxIterations
	)

loop:
	for iteration = 0; iteration < cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			stop = StopCancelled
			break
		}
		if maxTime > 0 && time.Since(start) >= maxTime {
			stop = StopDeadline
			break
		}

		batchSize := cfg.BatchSize
		if strategy.Kind() == search.KindMayfly {
			batchSize = 1
		}
		batch := make([]space.Set, 0, batchSize)
		exhausted := false
		for len(batch) < batchSize {
			params, ok := strategy.SuggestNext()
			if !ok {
				exhausted = true
				break
			}
			batch = append(batch, params)
		}
		if len(batch) == 0 {
			stop = StopExhausted
			break
		}

		// the monitor sees one score per iteration, the batch's best
		batchBest := math.Inf(-1)
		for _, rec := range eval.EvaluateBatch(ctx, batch, batchSize) {
			strategy.Update(rec.Parameters, rec.Value)
			if rec.Value > batchBest {
				batchBest = rec.Value
			}
			if rec.Value > seenBest {
				seenBest = rec.Value
			}
			history = append(history, seenBest)
			evals = append(evals, rec)

			if !rec.Failed && rec.Value > runScore {
				runScore = rec.Value
				runBest = rec.Parameters.Clone()
				bestIdx = len(history) - 1
				c.observeBest(runBest, runScore)
				m.SetBestScore(runScore)
			}
		}

		status := monitor.Update(batchBest)
		if status.Stagnated && !cfg.DisableSwitching {
			next, sw, err := c.switchStrategy(strategy, evals)
			if err != nil {
				slog.Warn("Strategy switch failed, keeping current strategy", "error", err)
			} else {
				strategy = next
				sw.Evaluation = len(evals)
				switches = append(switches, sw)
				m.StrategySwitched(string(sw.From), string(sw.To))
				span.AddEvent("strategy_switch", trace.WithAttributes(
					attribute.String("from", string(sw.From)),
					attribute.String("to", string(sw.To)),
				))
			}
		}
		converged := status.Converged

		slog.Debug("Iteration complete",
			"iteration", iteration,
			"evaluations", len(evals),
			"best", runScore,
			"strategy", strategy.Kind(),
		)
		if onProgress != nil {
			onProgress(Progress{
				Iteration:      iteration,
				Evaluations:    len(evals),
				Best:           runScore,
				BestParameters: runBest.Clone(),
				Strategy:       strategy.Kind(),
				Elapsed:        time.Since(start),
			})
		}

		switch {
		case converged:
			stop = StopConverged
			iteration++
			break loop
		case exhausted:
			stop = StopExhausted
			iteration++
			break loop
		}
	}

	result := Result{
		Parameters:         runBest,
		ObjectiveValue:     runScore,
		EvaluationCount:    len(evals),
		ConvergenceHistory: history,
		BestIteration:      bestIdx,
		Iterations:         iteration,
		Strategy:           strategy.Kind(),
		Switches:           switches,
		Duration:           time.Since(start),
		ConfidenceInterval: confidenceInterval(recentValues(evals, cfg.Convergence.Window)),
		StopReason:         stop,
	}
	for _, e := range evals {
		if e.Failed {
			result.Failures++
		}
	}
	if result.Parameters == nil {
		result.Parameters = c.sp.Defaults()
	}

	c.mu.Lock()
	c.last = &result
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("evaluations", result.EvaluationCount),
		attribute.Int("switches", len(switches)),
		attribute.String("stop_reason", string(stop)),
	)
	if result.Found() {
		span.SetAttributes(attribute.Float64("best", result.ObjectiveValue))
	}

	slog.Info("Optimization complete",
		"best", result.ObjectiveValue,
		"evaluations", result.EvaluationCount,
		"failures", result.Failures,
		"switches", len(switches),
		"stop_reason", stop,
		"duration", result.Duration,
	)
	return result, nil
}

func (c *Controller) observeBest(params space.Set, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasBest || score > c.bestScore {
		c.best = params.Clone()
		c.bestScore = score
		c.hasBest = true
	}
}

// switchStrategy replaces cur with the next strategy in rotation and
// replays the most recent successful evaluations into it.
func (c *Controller) switchStrategy(cur search.Strategy, evals []EvaluationRecord) (search.Strategy, Switch, error) {
	to := nextKind(cur.Kind())
	next, err := search.New(to, c.sp, c.cfg.Search, c.rng)
	if err != nil {
		return cur, Switch{}, fmt.Errorf("failed to create %s strategy: %w", to, err)
	}
	closeStrategy(cur)

	replayed := 0
	for i := len(evals) - 1; i >= 0 && replayed < c.cfg.TransferCount; i-- {
		if evals[i].Failed {
			continue
		}
		next.Update(evals[i].Parameters, evals[i].Value)
		replayed++
	}

	slog.Info("Strategy switched on stagnation",
		"from", cur.Kind(),
		"to", to,
		"replayed", replayed,
		"evaluations", len(evals),
	)
	return next, Switch{From: cur.Kind(), To: to, Replayed: replayed}, nil
}

// nextKind returns the strategy after k in rotation order.
func nextKind(k search.Kind) search.Kind {
	kinds := search.Kinds()
	for i, kind := range kinds {
		if kind == k {
			return kinds[(i+1)%len(kinds)]
		}
	}
	return kinds[0]
}

func closeStrategy(s search.Strategy) {
	if closer, ok := s.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("Failed to close strategy", "strategy", s.Kind(), "error", err)
		}
	}
}

// recentValues returns up to n of the latest successful objective values.
func recentValues(evals []EvaluationRecord, n int) []float64 {
	var out []float64
	for i := len(evals) - 1; i >= 0 && len(out) < n; i-- {
		if evals[i].Failed || math.IsInf(evals[i].Value, 0) {
			continue
		}
		out = append(out, evals[i].Value)
	}
	return out
}
