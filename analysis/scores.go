package analysis

import (
	"path"
	"sync"

	"github.com/zeu5/dist-rl-driving/coordinator"
	"github.com/zeu5/dist-rl-driving/util"
)

type scoreDataset struct {
	Iterations  []int     `json:"iterations"`
	Timesteps   []int     `json:"timesteps"`
	Scores      []int     `json:"scores"`
	MeanScores  []float64 `json:"mean_scores"`
	MaxScores   []float64 `json:"max_scores"`
	BufferSizes []int     `json:"buffer_sizes"`
	Epsilons    []float64 `json:"epsilons"`
	Failures    []int     `json:"worker_failures"`
	Checkpoints []string  `json:"checkpoints"`
}

func (d *scoreDataset) Copy() *scoreDataset {
	return &scoreDataset{
		Iterations:  util.CopyIntSlice(d.Iterations),
		Timesteps:   util.CopyIntSlice(d.Timesteps),
		Scores:      util.CopyIntSlice(d.Scores),
		MeanScores:  util.CopyFloatSlice(d.MeanScores),
		MaxScores:   util.CopyFloatSlice(d.MaxScores),
		BufferSizes: util.CopyIntSlice(d.BufferSizes),
		Epsilons:    util.CopyFloatSlice(d.Epsilons),
		Failures:    util.CopyIntSlice(d.Failures),
		Checkpoints: append([]string(nil), d.Checkpoints...),
	}
}

// ScoreRecorder keeps the score history of a training run, one row per
// iteration, and writes it out as scores.json.
type ScoreRecorder struct {
	mu       sync.Mutex
	savePath string
	dataset  *scoreDataset
}

var _ coordinator.Observer = &ScoreRecorder{}

func NewScoreRecorder(savePath string) *ScoreRecorder {
	return &ScoreRecorder{
		savePath: path.Join(savePath, "scores.json"),
		dataset: &scoreDataset{
			Iterations:  make([]int, 0),
			Timesteps:   make([]int, 0),
			Scores:      make([]int, 0),
			MeanScores:  make([]float64, 0),
			MaxScores:   make([]float64, 0),
			BufferSizes: make([]int, 0),
			Epsilons:    make([]float64, 0),
			Failures:    make([]int, 0),
			Checkpoints: make([]string, 0),
		},
	}
}

func (r *ScoreRecorder) Observe(s coordinator.IterationSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dataset
	lastTimeStep := 0
	if len(d.Timesteps) > 0 {
		lastTimeStep = d.Timesteps[len(d.Timesteps)-1]
	}
	d.Iterations = append(d.Iterations, s.Iteration)
	d.Timesteps = append(d.Timesteps, lastTimeStep+s.Transitions)
	d.Scores = append(d.Scores, s.Scores...)
	d.MeanScores = append(d.MeanScores, s.MeanScore)
	d.MaxScores = append(d.MaxScores, s.MaxScore)
	d.BufferSizes = append(d.BufferSizes, s.BufferSize)
	d.Epsilons = append(d.Epsilons, s.Epsilon)
	d.Failures = append(d.Failures, len(s.FailedWorkers()))
	if s.Checkpoint != "" {
		d.Checkpoints = append(d.Checkpoints, s.Checkpoint)
	}
}

func (r *ScoreRecorder) Scores() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return util.CopyIntSlice(r.dataset.Scores)
}

// Save writes the history recorded so far.
func (r *ScoreRecorder) Save() error {
	r.mu.Lock()
	d := r.dataset.Copy()
	r.mu.Unlock()
	return util.SaveJson(r.savePath, d)
}
