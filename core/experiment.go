package core

import "time"

// RolloutJob asks a worker to play Episodes episodes with the snapshot it
// holds. MinVersion is the canonical version broadcast for this iteration;
// a worker holding an older snapshot must refuse the job.
type RolloutJob struct {
	JobID      string  `json:"job_id"`
	Iteration  int     `json:"iteration"`
	Episodes   int     `json:"episodes"`
	Epsilon    float64 `json:"epsilon"`
	MinVersion int64   `json:"min_version"`
	// Deadline is when the coordinator stops waiting for the result.
	Deadline time.Time `json:"deadline,omitempty"`
}

type RolloutResult struct {
	JobID    string          `json:"job_id"`
	WorkerID string          `json:"worker_id"`
	Version  int64           `json:"version"`
	Episodes []EpisodeResult `json:"episodes"`
}

func (r RolloutResult) TotalTransitions() int {
	total := 0
	for _, e := range r.Episodes {
		total += len(e.Transitions)
	}
	return total
}

func (r RolloutResult) Scores() []int {
	out := make([]int, 0, len(r.Episodes))
	for _, e := range r.Episodes {
		if e.Cause.Terminated() {
			out = append(out, e.Score())
		}
	}
	return out
}
