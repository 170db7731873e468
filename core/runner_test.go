package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEnv replays a fixed cte sequence, one entry per Step.
type scriptedEnv struct {
	ctes    []float64
	done    []bool
	failAt  int
	resets  int
	steps   int
	initCTE float64
}

func (s *scriptedEnv) Reset(context.Context) (Observation, Info, error) {
	s.resets++
	s.steps = 0
	return Observation{s.initCTE}, Info{CTE: s.initCTE}, nil
}

func (s *scriptedEnv) Step(_ context.Context, _ Action) (Observation, float64, bool, Info, error) {
	if s.failAt > 0 && s.steps+1 == s.failAt {
		return nil, 0, false, Info{}, errors.New("simulator went away")
	}
	cte := s.ctes[s.steps%len(s.ctes)]
	done := false
	if s.steps < len(s.done) {
		done = s.done[s.steps]
	}
	s.steps++
	return Observation{cte}, 42, done, Info{CTE: cte, Speed: 1}, nil
}

func (s *scriptedEnv) Close() error { return nil }

type constPolicy struct{}

func (constPolicy) GetAction(Observation, float64) Action { return Action{0, 0.5} }
func (constPolicy) TrainStep([]Transition) error { return nil }
func (constPolicy) Parameters() Parameters { return Parameters{} }
func (constPolicy) SetParameters(Parameters) error { return nil }

type countingShaper struct {
	calls []bool
}

func (c *countingShaper) Shape(_ Action, info Info, done bool) float32 {
	c.calls = append(c.calls, done)
	if done {
		return -1
	}
	return float32(info.CTE)
}

func newTestEngine(env Environment, shaper RewardShaper, horizon int) *Engine {
	return NewEngine(env, constPolicy{}, shaper, EngineConfig{
		Termination: DefaultTerminationConfig(),
		Horizon:     horizon,
	}, nil)
}

func TestEngine_TrackExitOnThirdCycle(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.5, 1.2, 3.4}}
	shaper := &countingShaper{}
	engine := newTestEngine(env, shaper, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0.1)

	assert.Equal(t, CauseTrackExit, result.Cause)
	require.Len(t, result.Transitions, 3)
	assert.Equal(t, 3, result.Score())
	assert.False(t, result.Failed())
	assert.Equal(t, []bool{false, false, true}, shaper.calls)
	assert.True(t, result.Transitions[2].Done)
	assert.Equal(t, []int{3}, engine.Scores())
}

func TestEngine_ShapedRewardReplacesRaw(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.5, 3.4}}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	require.Len(t, result.Transitions, 2)
	assert.Equal(t, float32(0.5), result.Transitions[0].Reward)
	assert.Equal(t, float32(-1), result.Transitions[1].Reward)
}

func TestEngine_TransitionsChainObservations(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.5, 1.2, 3.4}, initCTE: 0.1}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	require.Len(t, result.Transitions, 3)
	assert.Equal(t, Observation{0.1}, result.Transitions[0].State)
	for i := 1; i < len(result.Transitions); i++ {
		assert.Equal(t, result.Transitions[i-1].NextState, result.Transitions[i].State)
	}
}

func TestEngine_EnvDoneWinsOverCTE(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{150}, done: []bool{true}}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, CauseEnvDone, result.Cause)
	assert.Len(t, result.Transitions, 1)
}

func TestEngine_FatalDeparture(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.2, -120}}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, CauseFatalDeparture, result.Cause)
	assert.Len(t, result.Transitions, 2)
}

func TestEngine_StepErrorKeepsPartialTransitions(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.1}, failAt: 4}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, CauseError, result.Cause)
	assert.True(t, result.Failed())
	assert.Len(t, result.Transitions, 3)
	assert.Empty(t, engine.Scores())
}

func TestEngine_Horizon(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.1}}
	engine := newTestEngine(env, &countingShaper{}, 5)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, CauseHorizon, result.Cause)
	assert.Len(t, result.Transitions, 5)
	assert.Equal(t, []int{5}, engine.Scores())
}

func TestEngine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := &scriptedEnv{ctes: []float64{0.1}}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(ctx), 0)

	assert.Equal(t, CauseCancelled, result.Cause)
	assert.Empty(t, result.Transitions)
	assert.Empty(t, engine.Scores())
}

func TestEngine_TerminatedAtResetRecordsNothing(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.1}, initCTE: 5}
	engine := newTestEngine(env, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, CauseTrackExit, result.Cause)
	assert.Empty(t, result.Transitions)
	assert.Equal(t, 0, env.steps)
}

func TestEngine_NilEnvironment(t *testing.T) {
	engine := newTestEngine(nil, &countingShaper{}, 0)

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, CauseError, result.Cause)
	assert.Contains(t, result.Err, ErrNilEnvironment.Error())
}

type recordingAnalyzer struct {
	causes []TerminalCause
}

func (r *recordingAnalyzer) Analyze(_ *EpisodeContext, result EpisodeResult) {
	r.causes = append(r.causes, result.Cause)
}

func TestEngine_AnalyzersSeeEveryEpisode(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.5, 3.4}, failAt: 0}
	engine := newTestEngine(env, &countingShaper{}, 0)
	a := &recordingAnalyzer{}
	engine.AddAnalyzer(a)

	engine.Run(NewEpisodeContext(context.Background()), 0)
	env.failAt = 1
	engine.Run(NewEpisodeContext(context.Background()), 0)

	assert.Equal(t, []TerminalCause{CauseTrackExit, CauseError}, a.causes)
	assert.Equal(t, []int{2}, engine.Scores())
}

type doublingPreprocessor struct{}

func (doublingPreprocessor) Process(o Observation) Observation {
	out := o.Copy()
	for i := range out {
		out[i] *= 2
	}
	return out
}

func TestEngine_PreprocessorShapesStoredStates(t *testing.T) {
	env := &scriptedEnv{ctes: []float64{0.5, 1.2, 3.4}, initCTE: 0.25}
	engine := newTestEngine(env, &countingShaper{}, 0).WithPreprocessor(doublingPreprocessor{})

	result := engine.Run(NewEpisodeContext(context.Background()), 0)

	require.Len(t, result.Transitions, 3)
	assert.Equal(t, Observation{0.5}, result.Transitions[0].State)
	assert.Equal(t, Observation{1.0}, result.Transitions[0].NextState)
	assert.Equal(t, Observation{6.8}, result.Transitions[2].NextState)
}
