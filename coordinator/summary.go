package coordinator

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type WorkerStatus struct {
	ID          string `json:"id"`
	Episodes    int    `json:"episodes"`
	Transitions int    `json:"transitions"`
	Err         string `json:"error,omitempty"`
	Retired     bool   `json:"retired,omitempty"`
}

func (w WorkerStatus) Failed() bool {
	return w.Err != ""
}

// IterationSummary is what observers see after every iteration.
type IterationSummary struct {
	Iteration int     `json:"iteration"`
	Version   int64   `json:"version"`
	// Epsilon is the exploration rate the rollouts ran with, before decay.
	Epsilon float64 `json:"epsilon"`

	Workers     []WorkerStatus `json:"workers"`
	Episodes    int            `json:"episodes"`
	Transitions int            `json:"transitions"`
	Scores      []int          `json:"scores"`
	MeanScore   float64        `json:"mean_score"`
	MaxScore    float64        `json:"max_score"`

	BufferSize  int      `json:"buffer_size"`
	TrainSteps  int      `json:"train_steps"`
	TrainErrors []string `json:"train_errors,omitempty"`
	Drained     bool     `json:"drained,omitempty"`
	Checkpoint  string   `json:"checkpoint,omitempty"`

	Duration time.Duration `json:"duration"`
}

func (s IterationSummary) Trained() bool {
	return s.TrainSteps > 0
}

func (s IterationSummary) FailedWorkers() []string {
	out := make([]string, 0)
	for _, w := range s.Workers {
		if w.Failed() {
			out = append(out, w.ID)
		}
	}
	return out
}

func (s *IterationSummary) setScores(scores []int) {
	s.Scores = scores
	if len(scores) == 0 {
		return
	}
	xs := make([]float64, len(scores))
	for i, v := range scores {
		xs[i] = float64(v)
	}
	s.MeanScore = stat.Mean(xs, nil)
	s.MaxScore = floats.Max(xs)
}

type Observer interface {
	Observe(IterationSummary)
}

type ObserverFunc func(IterationSummary)

func (f ObserverFunc) Observe(s IterationSummary) {
	f(s)
}
