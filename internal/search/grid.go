package search

import "github.com/cwbudde/paramtuner/internal/space"

// Grid enumerates the Cartesian product of per-parameter grids in a fixed
// order, the last declared parameter varying fastest.
type Grid struct {
	bestTracker
	names   []string
	values  [][]any
	idx     []int
	emitted int
	total   int
}

// NewGrid builds a grid search with `points` values per continuous parameter.
func NewGrid(sp *space.Space, points int) *Grid {
	g := &Grid{}
	for _, s := range sp.Specs() {
		g.names = append(g.names, s.Name)
		g.values = append(g.values, s.Grid(points))
	}
	g.idx = make([]int, len(g.names))
	g.total = sp.GridSize(points)
	return g
}

func (g *Grid) Kind() Kind { return KindGrid }

// Total returns the number of grid points.
func (g *Grid) Total() int { return g.total }

func (g *Grid) SuggestNext() (space.Set, bool) {
	if g.emitted >= g.total {
		return nil, false
	}
	set := make(space.Set, len(g.names))
	for i, name := range g.names {
		set[name] = g.values[i][g.idx[i]]
	}
	g.emitted++

	// odometer increment
	for i := len(g.idx) - 1; i >= 0; i-- {
		g.idx[i]++
		if g.idx[i] < len(g.values[i]) {
			break
		}
		g.idx[i] = 0
	}
	return set, true
}

func (g *Grid) Update(params space.Set, score float64) {
	g.observe(params, score)
}

func (g *Grid) Progress() float64 {
	if g.total == 0 {
		return 1
	}
	return float64(g.emitted) / float64(g.total)
}
