package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_LinearDecayReachesMinimum(t *testing.T) {
	cfg := DefaultConfig()
	s := NewSchedule(cfg)

	prev := s.Epsilon()
	assert.Equal(t, 0.9, prev)
	for i := 0; i < cfg.StepsToEpsilonMin+50; i++ {
		eps := s.Decay()
		assert.LessOrEqual(t, eps, prev)
		assert.GreaterOrEqual(t, eps, cfg.EpsilonMin)
		prev = eps
	}
	assert.Equal(t, cfg.EpsilonMin, s.Epsilon())
}

func TestSchedule_FixedDecayStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0.5
	cfg.EpsilonDecay = 0.2
	cfg.EpsilonMin = 0.05
	s := NewSchedule(cfg)

	assert.InDelta(t, 0.3, s.Decay(), 1e-9)
	assert.InDelta(t, 0.1, s.Decay(), 1e-9)
	assert.InDelta(t, 0.05, s.Decay(), 1e-9)
	assert.InDelta(t, 0.05, s.Decay(), 1e-9)
}

func TestSchedule_ShouldTrainAndCheckpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 7
	cfg.ReplayFrequency = 3
	cfg.Checkpoint.Frequency = 4
	s := NewSchedule(cfg)

	train := make([]int, 0)
	ckpt := make([]int, 0)
	for i := 0; i < cfg.Iterations; i++ {
		if s.ShouldTrain(i) {
			train = append(train, i)
		}
		if s.ShouldCheckpoint(i) {
			ckpt = append(ckpt, i)
		}
	}
	assert.Equal(t, []int{0, 3, 6}, train)
	assert.Equal(t, []int{0, 4, 6}, ckpt)

	cfg.ReplayFrequency = 0
	cfg.Checkpoint.Frequency = 0
	s = NewSchedule(cfg)
	assert.False(t, s.ShouldTrain(0))
	assert.False(t, s.ShouldCheckpoint(cfg.Iterations-1))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"no iterations":      func(c *Config) { c.Iterations = 0 },
		"no episodes":        func(c *Config) { c.EpisodesPerWorker = 0 },
		"no batch":           func(c *Config) { c.BatchSize = 0 },
		"epsilon above one":  func(c *Config) { c.Epsilon = 1.5 },
		"min above epsilon":  func(c *Config) { c.EpsilonMin = 0.95 },
		"no rollout timeout": func(c *Config) { c.RolloutTimeout = 0 },
		"retire without max": func(c *Config) { c.Failure = FailurePolicy{Mode: FailureRetire} },
		"unknown mode":       func(c *Config) { c.Failure.Mode = "maybe" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
