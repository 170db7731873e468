package policies

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/zeu5/dist-rl-driving/core"
)

// ActionGrid discretizes the continuous [steering, throttle] space for
// value-based policies.
type ActionGrid struct {
	steering []float64
	throttle []float64
	actions  []core.Action
}

func NewActionGrid(steerRange [2]float64, steerSteps int, throttleRange [2]float64, throttleSteps int) *ActionGrid {
	g := &ActionGrid{
		steering: span(steerRange, steerSteps),
		throttle: span(throttleRange, throttleSteps),
	}
	g.actions = make([]core.Action, 0, len(g.steering)*len(g.throttle))
	for _, s := range g.steering {
		for _, t := range g.throttle {
			g.actions = append(g.actions, core.Action{s, t})
		}
	}
	return g
}

func span(r [2]float64, steps int) []float64 {
	if steps <= 1 {
		return []float64{(r[0] + r[1]) / 2}
	}
	return floats.Span(make([]float64, steps), r[0], r[1])
}

func (g *ActionGrid) Len() int {
	return len(g.actions)
}

func (g *ActionGrid) Action(i int) core.Action {
	return g.actions[i].Copy()
}

// Index returns the grid action closest to a.
func (g *ActionGrid) Index(a core.Action) int {
	if len(a) < 2 {
		return -1
	}
	si := nearest(g.steering, a[0])
	ti := nearest(g.throttle, a[1])
	return si*len(g.throttle) + ti
}

func nearest(vals []float64, v float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, x := range vals {
		if d := math.Abs(x - v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Bounds are the per-dimension [min, max] of the grid.
func (g *ActionGrid) Bounds() [][2]float64 {
	return [][2]float64{
		{floats.Min(g.steering), floats.Max(g.steering)},
		{floats.Min(g.throttle), floats.Max(g.throttle)},
	}
}
