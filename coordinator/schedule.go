package coordinator

import "sync"

// Schedule decides, per iteration, whether to train and checkpoint, and
// owns the exploration rate.
type Schedule struct {
	replayFreq int
	ckptFreq   int
	last       int

	mu      sync.Mutex
	epsilon float64
	decay   float64
	min     float64
}

func NewSchedule(cfg Config) *Schedule {
	decay := cfg.EpsilonDecay
	if decay == 0 && cfg.StepsToEpsilonMin > 0 {
		decay = (cfg.Epsilon - cfg.EpsilonMin) / float64(cfg.StepsToEpsilonMin)
	}
	return &Schedule{
		replayFreq: cfg.ReplayFrequency,
		ckptFreq:   cfg.Checkpoint.Frequency,
		last:       cfg.Iterations - 1,
		epsilon:    cfg.Epsilon,
		decay:      decay,
		min:        cfg.EpsilonMin,
	}
}

func (s *Schedule) ShouldTrain(i int) bool {
	return s.replayFreq > 0 && i%s.replayFreq == 0
}

// ShouldCheckpoint holds on multiples of the checkpoint frequency and on
// the final iteration.
func (s *Schedule) ShouldCheckpoint(i int) bool {
	if s.ckptFreq <= 0 {
		return false
	}
	return i%s.ckptFreq == 0 || i == s.last
}

func (s *Schedule) Epsilon() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsilon
}

// Decay lowers epsilon by one step, never below the minimum, and returns
// the new value.
func (s *Schedule) Decay() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epsilon -= s.decay
	if s.epsilon < s.min {
		s.epsilon = s.min
	}
	return s.epsilon
}
