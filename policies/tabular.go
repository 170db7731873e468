package policies

import (
	"errors"
	"fmt"
	"math"

	erand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/zeu5/dist-rl-driving/core"
)

var ErrMalformedBatch = errors.New("malformed training batch")

// TabularQ is an epsilon-greedy Q-learner over a discretized state space and
// the action grid. With a positive temperature the greedy choice is replaced
// by softmax sampling over the action values.
type TabularQ struct {
	config Config
	grid   *ActionGrid
	qTable *QTable

	src  erand.Source
	rand *erand.Rand
}

var _ core.Policy = &TabularQ{}

func NewTabularQ(c Config) *TabularQ {
	grid := c.grid()
	src := c.source()
	return &TabularQ{
		config: c,
		grid:   grid,
		qTable: NewQTable(grid.Len(), 0, src),
		src:    src,
		rand:   erand.New(src),
	}
}

func (t *TabularQ) key(obs core.Observation) string {
	return StateKey(obs, t.config.StateResolution)
}

func (t *TabularQ) GetAction(obs core.Observation, epsilon float64) core.Action {
	if t.rand.Float64() < epsilon {
		return t.grid.Action(t.rand.Intn(t.grid.Len()))
	}
	state := t.key(obs)
	if t.config.Temperature <= 0 || !t.qTable.Exists(state) {
		return t.grid.Action(t.qTable.ArgMax(state))
	}

	vals := t.qTable.Values(state)
	largest := math.Inf(-1)
	for _, v := range vals {
		if v > largest {
			largest = v
		}
	}
	// Normalizing
	weights := make([]float64, len(vals))
	sum := 0.0
	for i, v := range vals {
		weights[i] = math.Exp((v - largest) / t.config.Temperature)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	i, ok := sampleuv.NewWeighted(weights, t.src).Take()
	if !ok {
		return t.grid.Action(t.qTable.ArgMax(state))
	}
	return t.grid.Action(i)
}

// TrainStep applies one Q-learning update per transition. The batch is
// validated before anything is written.
func (t *TabularQ) TrainStep(batch []core.Transition) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformedBatch)
	}
	for i, tr := range batch {
		if len(tr.State) == 0 || len(tr.NextState) == 0 || t.grid.Index(tr.Action) < 0 {
			return fmt.Errorf("%w: transition %d is incomplete", ErrMalformedBatch, i)
		}
		r := float64(tr.Reward)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: transition %d has reward %v", ErrMalformedBatch, i, r)
		}
	}
	for _, tr := range batch {
		state := t.key(tr.State)
		action := t.grid.Index(tr.Action)
		target := float64(tr.Reward)
		if !tr.Done {
			target += t.config.Gamma * t.qTable.Max(t.key(tr.NextState))
		}
		cur := t.qTable.Get(state, action)
		t.qTable.Set(state, action, cur+t.config.Alpha*(target-cur))
	}
	return nil
}

func (t *TabularQ) Parameters() core.Parameters {
	return t.qTable.Parameters()
}

func (t *TabularQ) SetParameters(p core.Parameters) error {
	return t.qTable.Load(p)
}

func (t *TabularQ) DrainsReplay() bool {
	return t.config.DrainReplay
}
