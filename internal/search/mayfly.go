package search

import (
	"log/slog"
	"math"
	"sync"

	"github.com/cwbudde/paramtuner/internal/opt"
	"github.com/cwbudde/paramtuner/internal/space"
)

type mayflyRequest struct {
	x     []float64
	key   string
	reply chan float64
}

// Mayfly runs the Mayfly metaheuristic over the unit-cube encoding of the
// space. The library drives its own loop and calls the objective
// synchronously; each call is handed out through SuggestNext and blocks
// until Update delivers the score. Call Close to release the background
// goroutine when abandoning the strategy early.
type Mayfly struct {
	bestTracker
	sp       *space.Space
	algo     opt.Mayfly
	requests chan mayflyRequest
	done     chan struct{}
	pending  *mayflyRequest
	start    sync.Once
	stop     sync.Once
	emitted  int
}

// NewMayfly builds a Mayfly strategy. The run starts on the first SuggestNext.
func NewMayfly(sp *space.Space, cfg Config, seed int64) *Mayfly {
	cfg = cfg.withDefaults()
	return &Mayfly{
		sp:       sp,
		algo:     opt.Mayfly{Iterations: cfg.MayflyIterations, Population: cfg.MayflyPopulation, Seed: seed},
		requests: make(chan mayflyRequest),
		done:     make(chan struct{}),
	}
}

func (m *Mayfly) Kind() Kind { return KindMayfly }

func (m *Mayfly) run() {
	defer close(m.requests)
	cost := func(x []float64) float64 {
		req := mayflyRequest{
			x:     append([]float64(nil), x...),
			key:   m.sp.Decode(x).Key(),
			reply: make(chan float64, 1),
		}
		select {
		case m.requests <- req:
		case <-m.done:
			return math.Inf(1)
		}
		select {
		case c := <-req.reply:
			return c
		case <-m.done:
			return math.Inf(1)
		}
	}
	if _, _, err := m.algo.Minimize(cost, m.sp.Len()); err != nil {
		slog.Warn("Mayfly search ended early", "error", err)
	}
}

func (m *Mayfly) SuggestNext() (space.Set, bool) {
	m.start.Do(func() { go m.run() })
	if m.pending != nil {
		// the previous candidate was never scored
		m.pending.reply <- math.Inf(1)
		m.pending = nil
	}
	select {
	case req, ok := <-m.requests:
		if !ok {
			return nil, false
		}
		m.pending = &req
		m.emitted++
		return m.sp.Decode(req.x), true
	case <-m.done:
		return nil, false
	}
}

// Update scores the outstanding candidate when params match it. The
// library minimizes, so the score is negated.
func (m *Mayfly) Update(params space.Set, score float64) {
	m.observe(params, score)
	if m.pending == nil || m.pending.key != params.Key() {
		return
	}
	cost := -score
	if math.IsNaN(score) {
		cost = math.Inf(1)
	}
	m.pending.reply <- cost
	m.pending = nil
}

// Close stops the background run. Further suggestions report exhaustion.
func (m *Mayfly) Close() error {
	m.stop.Do(func() { close(m.done) })
	return nil
}

func (m *Mayfly) Progress() float64 {
	total := m.algo.Budget()
	if total <= 0 {
		return 1
	}
	p := float64(m.emitted) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}
