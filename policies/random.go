package policies

import (
	erand "golang.org/x/exp/rand"

	"github.com/zeu5/dist-rl-driving/core"
)

// RandomPolicy picks uniformly from the action grid and never learns.
type RandomPolicy struct {
	grid *ActionGrid
	rand *erand.Rand
}

var _ core.Policy = &RandomPolicy{}

func NewRandomPolicy(c Config) *RandomPolicy {
	return &RandomPolicy{
		grid: c.grid(),
		rand: erand.New(c.source()),
	}
}

func (r *RandomPolicy) GetAction(_ core.Observation, _ float64) core.Action {
	return r.grid.Action(r.rand.Intn(r.grid.Len()))
}

func (r *RandomPolicy) TrainStep(_ []core.Transition) error { return nil }

func (r *RandomPolicy) Parameters() core.Parameters { return core.Parameters{} }

func (r *RandomPolicy) SetParameters(_ core.Parameters) error { return nil }
