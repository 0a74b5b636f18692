// Package engine ties the optimizers, the strategy tracker and the RL
// agents together behind the interface collaborators use: suggest
// parameters, run an optimization, record strategy outcomes and ask which
// strategy to apply next.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/optimizer"
	"github.com/cwbudde/paramtuner/internal/rl"
	"github.com/cwbudde/paramtuner/internal/situation"
	"github.com/cwbudde/paramtuner/internal/space"
	"github.com/cwbudde/paramtuner/internal/store"
	"github.com/cwbudde/paramtuner/internal/tracker"
)

// Recommendation sources.
const (
	SourceHistory = "history"
	SourceAgent   = "agent"
	SourceDefault = "default"
)

// DefaultStrategies are the strategy arms used when none are configured.
var DefaultStrategies = []string{"balanced", "conservative", "aggressive"}

// Config assembles the configuration of every component.
type Config struct {
	Space              []space.Spec               `json:"space" mapstructure:"space"`
	Controller         optimizer.ControllerConfig `json:"controller" mapstructure:"controller"`
	Dynamic            optimizer.DynamicConfig    `json:"dynamic" mapstructure:"dynamic"`
	Tracker            tracker.Config             `json:"tracker" mapstructure:"tracker"`
	StrategyAgent      rl.Kind                    `json:"strategyAgent" mapstructure:"strategy_agent"`
	RL                 rl.Config                  `json:"rl" mapstructure:"rl"`
	Reward             rl.RewardConfig            `json:"reward" mapstructure:"reward"`
	Strategies         []string                   `json:"strategies" mapstructure:"strategies"`
	ExperienceCapacity int                        `json:"experienceCapacity" mapstructure:"experience_capacity"`
	// RecentRecords is how many of the newest records feed SuggestParameters.
	RecentRecords int   `json:"recentRecords" mapstructure:"recent_records"`
	Seed          int64 `json:"seed" mapstructure:"seed"`
}

// DefaultConfig returns the stock configuration without a space.
func DefaultConfig() Config {
	return Config{
		Controller:         optimizer.DefaultControllerConfig(),
		Dynamic:            optimizer.DefaultDynamicConfig(),
		Tracker:            tracker.DefaultConfig(),
		StrategyAgent:      rl.KindBandit,
		RL:                 rl.DefaultConfig(),
		Reward:             rl.DefaultRewardConfig(),
		Strategies:         append([]string(nil), DefaultStrategies...),
		ExperienceCapacity: rl.DefaultExperienceCapacity,
		RecentRecords:      10,
	}
}

// Application is one completed strategy application reported by the caller.
type Application struct {
	Strategy    string           `json:"strategy"`
	Situation   situation.Score  `json:"situation"`
	Before      feedback.Metrics `json:"before,omitempty"`
	After       feedback.Metrics `json:"after,omitempty"`
	Improvement float64          `json:"improvement"`
	Duration    time.Duration    `json:"duration"`
}

// Recommendation is a tracker recommendation annotated with where it came from.
type Recommendation struct {
	tracker.Recommendation
	Source string `json:"source"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRecordStore persists every recorded application to rs.
func WithRecordStore(rs store.RecordStore) Option {
	return func(e *Engine) { e.records = rs }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithObjective installs the objective used by Optimize.
func WithObjective(obj optimizer.Objective) Option {
	return func(e *Engine) { e.objective = obj }
}

// Engine is safe for concurrent use. Optimize runs outside the engine lock
// so records can be reported while a run is in progress.
type Engine struct {
	cfg Config
	sp  *space.Space

	controller *optimizer.Controller
	records    store.RecordStore
	metrics    *metrics.Metrics
	objective  optimizer.Objective

	mu              sync.Mutex
	dynamic         *optimizer.Dynamic
	tracker         *tracker.Tracker
	agent           rl.Agent
	experiences     *rl.ExperienceStore
	arms            map[string]int
	lastPerformance float64
	lastApplied     time.Time
}

// New builds an engine over cfg.Space.
func New(cfg Config, opts ...Option) (*Engine, error) {
	sp, err := space.New(cfg.Space...)
	if err != nil {
		return nil, fmt.Errorf("failed to build parameter space: %w", err)
	}
	cfg = cfg.withDefaults()

	dyn, err := optimizer.NewDynamic(sp, cfg.Dynamic)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic optimizer: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	agent, err := rl.New(cfg.StrategyAgent, cfg.Strategies, cfg.RL, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy agent: %w", err)
	}

	arms := make(map[string]int, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		arms[s] = i
	}

	e := &Engine{
		cfg:         cfg,
		sp:          sp,
		controller:  optimizer.NewController(sp, cfg.Controller),
		dynamic:     dyn,
		tracker:     tracker.New(cfg.Tracker),
		agent:       agent,
		experiences: rl.NewExperienceStore(cfg.ExperienceCapacity),
		arms:        arms,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.controller.SetMetrics(e.metrics)
	e.dynamic.SetMetrics(e.metrics)
	if e.objective != nil {
		e.controller.SetObjective(e.objective)
	}
	return e, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StrategyAgent == "" {
		c.StrategyAgent = d.StrategyAgent
	}
	if c.RL == (rl.Config{}) {
		c.RL = d.RL
	}
	if c.Reward == (rl.RewardConfig{}) {
		c.Reward = d.Reward
	}
	if c.Dynamic.Algorithm == "" {
		seed := c.Dynamic.Seed
		c.Dynamic = d.Dynamic
		c.Dynamic.Seed = seed
	}
	if len(c.Strategies) == 0 {
		c.Strategies = d.Strategies
	}
	if c.Tracker.DefaultStrategy == "" {
		c.Tracker.DefaultStrategy = c.Strategies[0]
	}
	if c.ExperienceCapacity <= 0 {
		c.ExperienceCapacity = d.ExperienceCapacity
	}
	if c.RecentRecords <= 0 {
		c.RecentRecords = d.RecentRecords
	}
	if c.Controller.Seed == 0 {
		c.Controller.Seed = c.Seed
	}
	if c.Dynamic.Seed == 0 {
		c.Dynamic.Seed = c.Seed
	}
	return c
}

// Space returns the parameter space.
func (e *Engine) Space() *space.Space { return e.sp }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Controller exposes the hyperparameter controller.
func (e *Engine) Controller() *optimizer.Controller { return e.controller }

// Tracker exposes the effectiveness tracker.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// SetObjective installs the objective used by Optimize.
func (e *Engine) SetObjective(obj optimizer.Objective) {
	e.controller.SetObjective(obj)
}

// Restore replays persisted records into the tracker, newest
// tracker-capacity records only. It is a no-op without a record store.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.records == nil {
		return 0, nil
	}
	recs, err := e.records.ListRecords(ctx, store.RecordQuery{Limit: e.tracker.Config().Capacity})
	if err != nil {
		return 0, fmt.Errorf("failed to load records: %w", err)
	}
	for _, rec := range recs {
		e.tracker.Add(rec)
	}
	slog.Info("Restored effectiveness history", "records", len(recs))
	return len(recs), nil
}

// SuggestParameters proposes parameters for the current situation. With
// recorded outcomes the dynamic optimizer adjusts its last suggestion from
// them; before any outcome the controller's best (or the defaults) is returned.
func (e *Engine) SuggestParameters(sit situation.Score) space.Set {
	recent := e.tracker.Recent(e.cfg.RecentRecords)
	if len(recent) == 0 {
		return e.controller.SuggestParameters()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dynamic.Optimize(sit, recent)
}

// Optimize runs the controller against the installed objective. maxTime 0
// means no wall-clock limit.
func (e *Engine) Optimize(ctx context.Context, maxTime time.Duration) (optimizer.Result, error) {
	return e.controller.Optimize(ctx, maxTime)
}

// RecordStrategyApplication stores an application, trains the strategy
// agent on its shaped reward and persists it. The returned record is valid
// even when persisting fails.
func (e *Engine) RecordStrategyApplication(ctx context.Context, app Application) (feedback.Record, error) {
	rec, err := e.tracker.RecordStrategyApplication(app.Strategy, app.Situation, app.Before, app.After, app.Improvement, app.Duration)
	if err != nil {
		return feedback.Record{}, err
	}

	reward := rl.ShapeReward(rl.OutcomeFromRecord(rec, e.cfg.Reward), e.cfg.Reward)

	e.mu.Lock()
	since := time.Duration(0)
	if !e.lastApplied.IsZero() {
		since = rec.Timestamp().Sub(e.lastApplied)
	}
	state := rl.NewState(app.Situation, e.lastPerformance, since, rl.DefaultHorizon)
	next := rl.NewState(app.Situation, reward, 0, rl.DefaultHorizon)
	if arm, ok := e.arms[app.Strategy]; ok {
		exp := rl.Experience{
			State:     state,
			Action:    arm,
			Reward:    reward,
			NextState: next,
			Done:      true,
			Timestamp: rec.Timestamp(),
		}
		rl.Train(e.agent, exp)
		e.experiences.Add(exp)
		e.experiences.EndEpisode()
	} else {
		slog.Debug("Strategy is not an agent arm, skipping agent update", "strategy", app.Strategy)
	}
	e.lastPerformance = reward
	e.lastApplied = rec.Timestamp()
	e.mu.Unlock()

	e.metrics.Recorded(app.Strategy, reward)

	if e.records != nil {
		if err := e.records.SaveRecord(ctx, rec); err != nil {
			slog.Warn("Failed to persist effectiveness record", "id", rec.ID(), "error", err)
			return rec, fmt.Errorf("failed to persist record: %w", err)
		}
	}
	return rec, nil
}

// RecommendOptimalStrategy asks the tracker first. Without similar history
// it falls back to the strategy agent's greedy arm once the agent has
// learned anything, at the tracker's default confidence.
func (e *Engine) RecommendOptimalStrategy(sit situation.Score) Recommendation {
	rec := Recommendation{Recommendation: e.tracker.RecommendOptimalStrategy(sit), Source: SourceHistory}
	if rec.Default {
		rec.Source = SourceDefault

		e.mu.Lock()
		if e.experiences.Added() > 0 {
			state := rl.NewState(sit, e.lastPerformance, time.Since(e.lastApplied), rl.DefaultHorizon)
			policy := e.agent.Policy(state)
			best := 0
			for i, p := range policy {
				if p > policy[best] {
					best = i
				}
			}
			rec.Strategy = e.cfg.Strategies[best]
			rec.Source = SourceAgent
		}
		e.mu.Unlock()
	}

	e.metrics.Recommended(rec.Strategy, rec.Source)
	return rec
}

// AnalyzeStrategyTrends reports on the last days of records (all when days <= 0).
func (e *Engine) AnalyzeStrategyTrends(days int) tracker.TrendReport {
	return e.tracker.AnalyzeStrategyTrends(days)
}

// Export renders a diagnostic snapshot. Every format carries the tracker
// export; detailed and raw add optimizer and agent state.
func (e *Engine) Export(format string) (map[string]any, error) {
	out, err := e.tracker.Export(format)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	opt := map[string]any{
		"algorithm":     e.dynamic.Algorithm(),
		"learning_rate": e.dynamic.LearningRate(),
		"switches":      len(e.dynamic.Switches()),
		"suggestion":    e.dynamic.Current(),
	}
	if best, score, ok := e.controller.Best(); ok {
		opt["best_parameters"] = best
		opt["best_score"] = score
	}
	out["optimizer"] = opt

	if format == tracker.FormatDetailed || format == tracker.FormatRaw {
		if res, ok := e.controller.LastResult(); ok {
			out["last_result"] = res
		}
		if ev := e.controller.Evaluator(); ev != nil {
			out["parameter_importance"] = ev.Importance(e.sp)
		}
		out["dynamic_states"] = len(e.dynamic.States())
		out["algorithm_switches"] = e.dynamic.Switches()
		out["strategy_agent"] = e.agent.Stats()
		out["experience"] = e.experiences.Stats()
	}
	if format == tracker.FormatRaw {
		out["experiences"] = e.experiences.Recent(e.experiences.Len())
	}
	return out, nil
}

// Reset clears every history, table and the persisted records.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.tracker.Reset()
	e.controller.Reset()
	e.dynamic.Reset()
	e.agent.Reset()
	e.experiences.Reset()
	e.lastPerformance = 0
	e.lastApplied = time.Time{}
	e.mu.Unlock()

	if e.records != nil {
		if err := e.records.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persisted records: %w", err)
		}
	}
	slog.Info("Engine reset")
	return nil
}

// Close releases the record store.
func (e *Engine) Close() error {
	if e.records == nil {
		return nil
	}
	return e.records.Close()
}
