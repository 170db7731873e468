package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/zeu5/dist-rl-driving/checkpoint"
)

type FailureMode string

const (
	// FailureRetry keeps a failing worker in the pool forever.
	FailureRetry FailureMode = "retry"
	// FailureRetire drops a worker after MaxConsecutiveFailures failed
	// iterations in a row.
	FailureRetire FailureMode = "retire"
)

type FailurePolicy struct {
	Mode                   FailureMode `yaml:"mode" json:"mode"`
	MaxConsecutiveFailures int         `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

type Config struct {
	Iterations        int `yaml:"iterations" json:"iterations"`
	EpisodesPerWorker int `yaml:"episodes_per_worker" json:"episodes_per_worker"`

	// ReplayFrequency trains on iterations divisible by it; 0 disables
	// training.
	ReplayFrequency int  `yaml:"replay_memory_freq" json:"replay_memory_freq"`
	ReplayBatches   int  `yaml:"replay_memory_batches" json:"replay_memory_batches"`
	BatchSize       int  `yaml:"batch_size" json:"batch_size"`
	BufferCapacity  int  `yaml:"buffer_capacity" json:"buffer_capacity"`
	DrainAfterTrain bool `yaml:"drain_after_train" json:"drain_after_train"`

	Epsilon float64 `yaml:"epsilon" json:"epsilon"`
	// EpsilonDecay is subtracted after every iteration. When 0 it is derived
	// from StepsToEpsilonMin.
	EpsilonDecay      float64 `yaml:"epsilon_decay" json:"epsilon_decay"`
	EpsilonMin        float64 `yaml:"epsilon_min" json:"epsilon_min"`
	StepsToEpsilonMin int     `yaml:"steps_to_eps_min" json:"steps_to_eps_min"`

	BroadcastTimeout time.Duration `yaml:"broadcast_timeout" json:"broadcast_timeout"`
	RolloutTimeout   time.Duration `yaml:"rollout_timeout" json:"rollout_timeout"`

	Failure    FailurePolicy     `yaml:"failure" json:"failure"`
	Checkpoint checkpoint.Config `yaml:"-" json:"-"`
	Seed       uint64            `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Iterations:        1000,
		EpisodesPerWorker: 1,
		ReplayFrequency:   1,
		ReplayBatches:     5,
		BatchSize:         64,
		BufferCapacity:    100000,
		Epsilon:           0.9,
		EpsilonMin:        0.02,
		StepsToEpsilonMin: 200,
		BroadcastTimeout:  30 * time.Second,
		RolloutTimeout:    10 * time.Minute,
		Failure:           FailurePolicy{Mode: FailureRetry, MaxConsecutiveFailures: 3},
		Checkpoint:        checkpoint.DefaultConfig(),
		Seed:              1,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be positive, got %d", c.Iterations))
	}
	if c.EpisodesPerWorker <= 0 {
		errs = append(errs, fmt.Errorf("episodes_per_worker must be positive, got %d", c.EpisodesPerWorker))
	}
	if c.ReplayFrequency < 0 || c.ReplayBatches < 0 {
		errs = append(errs, errors.New("replay frequency and batches must not be negative"))
	}
	if c.ReplayFrequency > 0 && c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer_capacity must be positive, got %d", c.BufferCapacity))
	}
	if c.Epsilon < 0 || c.Epsilon > 1 || c.EpsilonMin < 0 || c.EpsilonMin > c.Epsilon {
		errs = append(errs, fmt.Errorf("need 0 <= epsilon_min (%v) <= epsilon (%v) <= 1", c.EpsilonMin, c.Epsilon))
	}
	if c.EpsilonDecay < 0 || c.StepsToEpsilonMin < 0 {
		errs = append(errs, errors.New("epsilon decay settings must not be negative"))
	}
	if c.BroadcastTimeout <= 0 || c.RolloutTimeout <= 0 {
		errs = append(errs, errors.New("broadcast and rollout timeouts must be positive"))
	}
	switch c.Failure.Mode {
	case FailureRetry:
	case FailureRetire:
		if c.Failure.MaxConsecutiveFailures <= 0 {
			errs = append(errs, errors.New("retire mode needs max_consecutive_failures > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown failure mode %q", c.Failure.Mode))
	}
	if c.Checkpoint.Frequency < 0 {
		errs = append(errs, errors.New("checkpoint frequency must not be negative"))
	}
	return errors.Join(errs...)
}
