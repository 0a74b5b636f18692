package convergence

import (
	"log/slog"
	"math"
)

// Config defines parameters for detecting convergence and stagnation
type Config struct {
	// Window is the number of trailing best-so-far values inspected
	Window int `json:"window" mapstructure:"window"`

	// Threshold is the spread (max - min) of the window below which the
	// search counts as converged
	Threshold float64 `json:"threshold" mapstructure:"threshold"`

	// StagnationLimit is the number of consecutive updates without a strict
	// improvement of the best score before a stagnation event is reported.
	// 0 disables stagnation reporting.
	StagnationLimit int `json:"stagnationLimit" mapstructure:"stagnation_limit"`
}

// DefaultConfig returns sensible defaults for convergence detection
func DefaultConfig() Config {
	return Config{
		Window:          10,
		Threshold:       1e-4,
		StagnationLimit: 10,
	}
}

// Status is the outcome of a single Update
type Status struct {
	Improved   bool    `json:"improved"`
	Converged  bool    `json:"converged"`
	Stagnated  bool    `json:"stagnated"`
	Best       float64 `json:"best"`
	Spread     float64 `json:"spread"`
	StaleCount int     `json:"staleCount"`
}

// Monitor tracks the best score seen so far (higher is better) and reports
// convergence and stagnation
type Monitor struct {
	config     Config
	history    []float64 // raw scores
	window     []float64 // trailing best-so-far values
	best       float64
	staleCount int
}

// NewMonitor creates a new monitor with the given config
func NewMonitor(config Config) *Monitor {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Monitor{
		config: config,
		best:   math.Inf(-1),
	}
}

// Update records a new score.
//
// Stagnated is true exactly once per StagnationLimit consecutive
// non-improving updates; the stale counter restarts after it fires so a
// caller that switches strategy on stagnation switches at most once per
// window.
func (m *Monitor) Update(score float64) Status {
	m.history = append(m.history, score)

	improved := false
	if !math.IsNaN(score) && score > m.best {
		m.best = score
		m.staleCount = 0
		improved = true
		slog.Debug("Score improvement detected", "score", score)
	} else {
		m.staleCount++
	}

	m.window = append(m.window, m.best)
	if len(m.window) > m.config.Window {
		m.window = m.window[len(m.window)-m.config.Window:]
	}

	status := Status{
		Improved:   improved,
		Best:       m.best,
		Spread:     m.Spread(),
		StaleCount: m.staleCount,
	}
	status.Converged = len(m.window) == m.config.Window && status.Spread < m.config.Threshold

	if m.config.StagnationLimit > 0 && m.staleCount >= m.config.StagnationLimit {
		slog.Debug("Stagnation detected",
			"stale_count", m.staleCount,
			"limit", m.config.StagnationLimit,
			"best", m.best,
		)
		status.Stagnated = true
		m.staleCount = 0
	}

	if status.Converged {
		slog.Debug("Convergence detected", "spread", status.Spread, "best", m.best)
	}
	return status
}

// Spread returns max - min over the trailing window, +Inf while the window
// holds a non-finite value or is empty.
func (m *Monitor) Spread() float64 {
	if len(m.window) == 0 {
		return math.Inf(1)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range m.window {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return math.Inf(1)
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return hi - lo
}

// Best returns the best score seen so far (-Inf before any update)
func (m *Monitor) Best() float64 {
	return m.best
}

// History returns every recorded score
func (m *Monitor) History() []float64 {
	return append([]float64{}, m.history...) // Return copy
}

// StaleCount returns the current number of updates without improvement
func (m *Monitor) StaleCount() int {
	return m.staleCount
}

// ResetStagnation clears the stale counter without touching the history
func (m *Monitor) ResetStagnation() {
	m.staleCount = 0
}

// Reset clears the monitor's state
func (m *Monitor) Reset() {
	m.history = nil
	m.window = nil
	m.best = math.Inf(-1)
	m.staleCount = 0
}
