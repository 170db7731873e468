package core

import (
	"errors"
	"sort"
)

var ErrParameterShape = errors.New("parameter shape mismatch")

// Parameters maps a parameter name to its flattened values.
type Parameters map[string][]float64

func (p Parameters) Copy() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		vals := make([]float64, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}

func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot is an immutable, versioned copy of the canonical policy parameters.
type Snapshot struct {
	Version int64      `json:"version"`
	Params  Parameters `json:"params"`
}

// NewSnapshot copies params so later mutation of the canonical policy
// never leaks into a snapshot that has already been handed out.
func NewSnapshot(version int64, params Parameters) Snapshot {
	return Snapshot{
		Version: version,
		Params:  params.Copy(),
	}
}

// Policy is the single trainable capability the coordinator and workers are
// written against. Value-based and actor-critic learners both implement it.
type Policy interface {
	// GetAction picks an action for obs. epsilon is the exploration
	// parameter scheduled by the coordinator.
	GetAction(obs Observation, epsilon float64) Action
	// TrainStep runs one update against a sampled batch. On error the
	// caller restores the parameters it held before the step.
	TrainStep(batch []Transition) error
	Parameters() Parameters
	SetParameters(Parameters) error
}

type PolicyConstructor interface {
	NewPolicy() (Policy, error)
}

// Drainer is implemented by policies whose updates consume the replay data
// they were trained on. The coordinator empties the buffer after training
// such a policy.
type Drainer interface {
	DrainsReplay() bool
}
