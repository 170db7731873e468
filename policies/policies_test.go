package policies

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeu5/dist-rl-driving/core"
)

func testConfig(name string) Config {
	c := DefaultConfig()
	c.Name = name
	c.Seed = 11
	return c
}

func TestActionGrid(t *testing.T) {
	g := testConfig("tabular").grid()

	require.Equal(t, 15, g.Len())
	assert.Equal(t, core.Action{-5, 0}, g.Action(0))
	assert.Equal(t, core.Action{5, 1}, g.Action(14))
	for i := 0; i < g.Len(); i++ {
		assert.Equal(t, i, g.Index(g.Action(i)))
	}
	assert.Equal(t, g.Index(core.Action{2.4, 0.6}), g.Index(core.Action{2.5, 0.5}))
	assert.Equal(t, -1, g.Index(core.Action{1}))
	assert.Equal(t, [][2]float64{{-5, 5}, {0, 1}}, g.Bounds())
}

func TestStateKey(t *testing.T) {
	assert.Equal(t, "0|2|-1", StateKey(core.Observation{0.2, 2.5, -0.1}, []float64{0.5, 1}))
	assert.Equal(t, StateKey(core.Observation{0.1}, nil), StateKey(core.Observation{0.9}, nil))
}

func transition(state, next float64, action core.Action, reward float32, done bool) core.Transition {
	return core.Transition{
		State:     core.Observation{state},
		NextState: core.Observation{next},
		Action:    action,
		Reward:    reward,
		Done:      done,
	}
}

func TestTabularQ_LearnsPreferredAction(t *testing.T) {
	p := NewTabularQ(testConfig("tabular"))
	good := p.grid.Action(7)
	bad := p.grid.Action(3)

	for i := 0; i < 50; i++ {
		require.NoError(t, p.TrainStep([]core.Transition{
			transition(0, 0, good, 10, true),
			transition(0, 0, bad, -10, true),
		}))
	}

	assert.Equal(t, good, p.GetAction(core.Observation{0}, 0))
	assert.InDelta(t, 10, p.qTable.Get(p.key(core.Observation{0}), 7), 0.1)
}

func TestTabularQ_BootstrapsFromNextState(t *testing.T) {
	c := testConfig("tabular")
	c.Alpha = 1
	c.Gamma = 0.5
	p := NewTabularQ(c)
	a := p.grid.Action(0)
	require.NoError(t, p.TrainStep([]core.Transition{transition(5, 5, a, 4, true)}))

	require.NoError(t, p.TrainStep([]core.Transition{transition(0, 5, a, 1, false)}))

	assert.InDelta(t, 3.0, p.qTable.Get(p.key(core.Observation{0}), 0), 1e-9)
}

func TestTabularQ_MalformedBatchLeavesTable(t *testing.T) {
	p := NewTabularQ(testConfig("tabular"))
	a := p.grid.Action(1)
	require.NoError(t, p.TrainStep([]core.Transition{transition(0, 0, a, 1, true)}))
	before := p.Parameters()

	err := p.TrainStep([]core.Transition{
		transition(0, 0, a, 5, true),
		transition(0, 0, a, float32(math.NaN()), true),
	})

	assert.ErrorIs(t, err, ErrMalformedBatch)
	assert.Equal(t, before, p.Parameters())
	assert.ErrorIs(t, p.TrainStep(nil), ErrMalformedBatch)
}

func TestTabularQ_ParametersRoundTrip(t *testing.T) {
	p := NewTabularQ(testConfig("tabular"))
	a := p.grid.Action(2)
	require.NoError(t, p.TrainStep([]core.Transition{transition(1, 2, a, 3, false)}))

	other := NewTabularQ(testConfig("tabular"))
	require.NoError(t, other.SetParameters(p.Parameters()))
	assert.Equal(t, p.Parameters(), other.Parameters())

	err := other.SetParameters(core.Parameters{"q/0": {1, 2}})
	assert.ErrorIs(t, err, core.ErrParameterShape)
	err = other.SetParameters(core.Parameters{"weights": make([]float64, 15)})
	assert.ErrorIs(t, err, core.ErrParameterShape)
}

func TestTabularQ_SoftmaxStaysOnGrid(t *testing.T) {
	c := testConfig("tabular")
	c.Temperature = 0.5
	p := NewTabularQ(c)
	require.NoError(t, p.TrainStep([]core.Transition{transition(0, 0, p.grid.Action(4), 1, true)}))

	for i := 0; i < 100; i++ {
		a := p.GetAction(core.Observation{0}, 0)
		assert.GreaterOrEqual(t, p.grid.Index(a), 0)
		assert.Equal(t, a, p.grid.Action(p.grid.Index(a)))
	}
}

func TestGaussian_ActionsWithinBounds(t *testing.T) {
	p := NewGaussian(testConfig("gaussian"))

	for i := 0; i < 200; i++ {
		a := p.GetAction(core.Observation{0.1, 2, 0, 0, 0}, 1)
		require.Len(t, a, 2)
		assert.GreaterOrEqual(t, a[0], -5.0)
		assert.LessOrEqual(t, a[0], 5.0)
		assert.GreaterOrEqual(t, a[1], 0.0)
		assert.LessOrEqual(t, a[1], 1.0)
	}
}

func TestGaussian_TrainStepMovesCritic(t *testing.T) {
	p := NewGaussian(testConfig("gaussian"))
	batch := []core.Transition{
		{State: core.Observation{0, 1, 0, 0, 0}, NextState: core.Observation{0, 1, 0, 0, 0}, Action: core.Action{0, 1}, Reward: 500},
		{State: core.Observation{1, 1, 0, 0, 0}, NextState: core.Observation{2, 1, 0, 0, 0}, Action: core.Action{1, 0.5}, Reward: -1000, Done: true},
	}

	require.NoError(t, p.TrainStep(batch))

	assert.NotEqual(t, make([]float64, 6), p.Parameters()[criticName])
}

func TestGaussian_UnstableUpdateIsRejected(t *testing.T) {
	p := NewGaussian(testConfig("gaussian"))
	before := p.Parameters()

	err := p.TrainStep([]core.Transition{
		{State: core.Observation{0}, NextState: core.Observation{0}, Action: core.Action{0, 0}, Reward: float32(math.Inf(1))},
	})

	assert.ErrorIs(t, err, ErrUnstable)
	assert.Equal(t, before, p.Parameters())
	assert.ErrorIs(t, p.TrainStep([]core.Transition{{State: core.Observation{0}, Action: core.Action{1}}}), ErrMalformedBatch)
}

func TestGaussian_ParametersShape(t *testing.T) {
	p := NewGaussian(testConfig("gaussian"))
	params := p.Parameters()
	assert.Equal(t, []string{"actor/log_std", "actor/w0", "actor/w1", "critic/v"}, params.Names())

	params["actor/w0"] = []float64{1}
	assert.ErrorIs(t, p.SetParameters(params), core.ErrParameterShape)

	good := NewGaussian(testConfig("gaussian")).Parameters()
	good["extra"] = []float64{1}
	assert.ErrorIs(t, p.SetParameters(good), core.ErrParameterShape)
}

func TestNew(t *testing.T) {
	for _, name := range []string{"tabular", "gaussian", "random"} {
		p, err := NewConstructor(testConfig(name)).NewPolicy()
		require.NoError(t, err, name)
		a := p.GetAction(core.Observation{0, 0, 0, 0, 0}, 0.5)
		assert.Len(t, a, 2, name)
	}

	_, err := New(testConfig("dqn"))
	assert.Error(t, err)

	bad := testConfig("tabular")
	bad.Alpha = 0
	_, err = New(bad)
	assert.Error(t, err)
}

func TestDrainer(t *testing.T) {
	c := testConfig("gaussian")
	c.DrainReplay = true
	p, err := New(c)
	require.NoError(t, err)
	d, ok := p.(core.Drainer)
	require.True(t, ok)
	assert.True(t, d.DrainsReplay())
}
