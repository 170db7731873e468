package core

import (
	"context"
	"time"
)

// Observation is a processed feature vector handed to the policy.
type Observation []float64

func (o Observation) Copy() Observation {
	if o == nil {
		return nil
	}
	out := make(Observation, len(o))
	copy(out, o)
	return out
}

// Action is a continuous control vector: [steering, throttle].
type Action []float64

func (a Action) Copy() Action {
	if a == nil {
		return nil
	}
	out := make(Action, len(a))
	copy(out, a)
	return out
}

// Info carries the auxiliary signals reported by the simulator on every step.
// CTE is required by the termination policy.
type Info struct {
	CTE   float64            `json:"cte"`
	Speed float64            `json:"speed"`
	Hit   string             `json:"hit,omitempty"`
	Extra map[string]float64 `json:"extra,omitempty"`
}

type Environment interface {
	// Reset brings the car back to the start line and returns the first
	// observation together with its info bundle.
	Reset(ctx context.Context) (Observation, Info, error)
	// Step applies the action and returns the next observation, the raw
	// simulator reward, whether the simulator considers the episode over,
	// and the info bundle.
	Step(ctx context.Context, action Action) (Observation, float64, bool, Info, error)
	Close() error
}

type EnvironmentConstructor interface {
	// NewEnvironment creates an environment attached to the simulator
	// listening on the given (leased) port.
	NewEnvironment(port int) (Environment, error)
}

// Preprocessor turns raw simulator observations into policy inputs.
type Preprocessor interface {
	Process(Observation) Observation
}

type IdentityPreprocessor struct{}

func (IdentityPreprocessor) Process(o Observation) Observation { return o }

type EpisodeContext struct {
	Context   context.Context
	Episode   int
	Iteration int
	WorkerID  string
	StartTime time.Time

	Trace *Trace
}

func NewEpisodeContext(ctx context.Context) *EpisodeContext {
	return &EpisodeContext{
		Context:   ctx,
		StartTime: time.Now(),
		Trace:     NewTrace(),
	}
}

func (e *EpisodeContext) Cancelled() bool {
	return e.Context.Err() != nil
}
