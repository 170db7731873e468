package core

import "sync"

// Transition is one recorded cycle of an episode. It is never mutated after
// being appended to a trace.
type Transition struct {
	State     Observation `json:"state"`
	Action    Action      `json:"action"`
	NextState Observation `json:"next_state"`
	Reward    float32     `json:"reward"`
	Done      bool        `json:"done"`
	Info      Info        `json:"info"`
}

// Trace keeps the transitions of one episode in step order.
type Trace struct {
	mtx   *sync.Mutex
	steps []Transition
}

func NewTrace() *Trace {
	return &Trace{
		steps: make([]Transition, 0),
		mtx:   &sync.Mutex{},
	}
}

func (t *Trace) AddStep(s Transition) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.steps = append(t.steps, s)
}

func (t *Trace) Step(i int) Transition {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.steps[i]
}

func (t *Trace) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.steps)
}

func (t *Trace) Last() (Transition, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if len(t.steps) == 0 {
		return Transition{}, false
	}
	return t.steps[len(t.steps)-1], true
}

// Transitions returns a copy of the recorded steps.
func (t *Trace) Transitions() []Transition {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]Transition, len(t.steps))
	copy(out, t.steps)
	return out
}
