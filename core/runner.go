package core

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrNilEnvironment = errors.New("environment is nil")

// Analyzer inspects every finished episode, aborted ones included.
type Analyzer interface {
	Analyze(eCtx *EpisodeContext, result EpisodeResult)
}

type EngineConfig struct {
	Termination TerminationConfig `yaml:"termination" json:"termination"`
	// Horizon caps the number of cycles per episode; 0 means unbounded.
	Horizon int `yaml:"horizon" json:"horizon"`
}

// Engine drives a single episode at a time against one environment:
// step, shape, evaluate termination, record.
type Engine struct {
	env       Environment
	policy    Policy
	pre       Preprocessor
	shaper    RewardShaper
	config    EngineConfig
	logger    *logrus.Entry
	analyzers []Analyzer
	mu        sync.Mutex
	scores    []int
}

func NewEngine(env Environment, policy Policy, shaper RewardShaper, config EngineConfig, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		env:    env,
		policy: policy,
		pre:    IdentityPreprocessor{},
		shaper: shaper,
		config: config,
		logger: logger.WithField("component", "engine"),
		scores: make([]int, 0),
	}
}

func (e *Engine) WithPreprocessor(pre Preprocessor) *Engine {
	if pre != nil {
		e.pre = pre
	}
	return e
}

func (e *Engine) AddAnalyzer(a Analyzer) {
	e.analyzers = append(e.analyzers, a)
}

// SetEnvironment swaps the environment, used after the simulator behind the
// previous one was restarted.
func (e *Engine) SetEnvironment(env Environment) {
	e.env = env
}

// Scores returns the score history of every terminated episode.
func (e *Engine) Scores() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.scores))
	copy(out, e.scores)
	return out
}

func (e *Engine) addScore(iterations int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scores = append(e.scores, iterations)
}

// Run plays one episode. Whatever was collected before an environment error
// or a cancellation is still returned.
func (e *Engine) Run(eCtx *EpisodeContext, epsilon float64) EpisodeResult {
	if eCtx.Trace == nil {
		eCtx.Trace = NewTrace()
	}
	result := EpisodeResult{Episode: eCtx.Episode}
	log := e.logger.WithFields(logrus.Fields{"episode": eCtx.Episode, "iteration": eCtx.Iteration})

	finish := func(cause TerminalCause, err error) EpisodeResult {
		result.Transitions = eCtx.Trace.Transitions()
		result.Iterations = len(result.Transitions)
		result.Cause = cause
		if err != nil {
			result.Err = err.Error()
		}
		if cause.Terminated() {
			e.addScore(result.Iterations)
		}
		log.WithFields(logrus.Fields{"score": result.Iterations, "cause": cause}).Debug("episode finished")
		for _, a := range e.analyzers {
			a.Analyze(eCtx, result)
		}
		return result
	}

	if e.env == nil {
		return finish(CauseError, ErrNilEnvironment)
	}

	obs, info, err := e.env.Reset(eCtx.Context)
	if err != nil {
		return finish(CauseError, err)
	}
	state := e.pre.Process(obs)
	log.Debugf("initial cte: %.3f", info.CTE)

	cause := e.config.Termination.Evaluate(false, info)
	for step := 0; cause == CauseNone; step++ {
		if eCtx.Cancelled() {
			return finish(CauseCancelled, eCtx.Context.Err())
		}
		if e.config.Horizon > 0 && step >= e.config.Horizon {
			cause = CauseHorizon
			break
		}

		action := e.policy.GetAction(state, epsilon)
		next, _, envDone, info, err := e.env.Step(eCtx.Context, action)
		if err != nil {
			return finish(CauseError, err)
		}
		nextState := e.pre.Process(next)

		cause = e.config.Termination.Evaluate(envDone, info)
		done := cause != CauseNone
		reward := e.shaper.Shape(action, info, done)

		eCtx.Trace.AddStep(Transition{
			State:     state,
			Action:    action,
			NextState: nextState,
			Reward:    reward,
			Done:      done,
			Info:      info,
		})
		state = nextState
	}
	return finish(cause, nil)
}
