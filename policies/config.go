package policies

import (
	"fmt"
	"time"

	erand "golang.org/x/exp/rand"

	"github.com/zeu5/dist-rl-driving/core"
)

type Config struct {
	// Name selects the policy: tabular, gaussian or random.
	Name string `yaml:"name" json:"name"`
	Seed uint64 `yaml:"seed" json:"seed"`

	SteeringRange [2]float64 `yaml:"steering_range" json:"steering_range"`
	SteeringSteps int        `yaml:"steering_steps" json:"steering_steps"`
	ThrottleRange [2]float64 `yaml:"throttle_range" json:"throttle_range"`
	ThrottleSteps int        `yaml:"throttle_steps" json:"throttle_steps"`

	Gamma float64 `yaml:"gamma" json:"gamma"`

	// tabular
	Alpha           float64   `yaml:"alpha" json:"alpha"`
	Temperature     float64   `yaml:"temperature" json:"temperature"`
	StateResolution []float64 `yaml:"state_resolution" json:"state_resolution"`

	// gaussian
	ObsDim      int     `yaml:"obs_dim" json:"obs_dim"`
	ActorLR     float64 `yaml:"actor_lr" json:"actor_lr"`
	CriticLR    float64 `yaml:"critic_lr" json:"critic_lr"`
	InitLogStd  float64 `yaml:"init_log_std" json:"init_log_std"`
	RewardScale float64 `yaml:"reward_scale" json:"reward_scale"`
	MaxGradNorm float64 `yaml:"max_grad_norm" json:"max_grad_norm"`
	// DrainReplay asks the coordinator to empty the replay buffer after
	// every training round (on-policy style updates).
	DrainReplay bool `yaml:"drain_replay" json:"drain_replay"`
}

func DefaultConfig() Config {
	return Config{
		Name:            "tabular",
		SteeringRange:   [2]float64{-5, 5},
		SteeringSteps:   5,
		ThrottleRange:   [2]float64{0, 1},
		ThrottleSteps:   3,
		Gamma:           0.99,
		Alpha:           0.1,
		StateResolution: []float64{0.5, 1, 1, 0.5, 0.5},
		ObsDim:          5,
		ActorLR:         1e-3,
		CriticLR:        1e-2,
		InitLogStd:      -0.5,
		RewardScale:     1e-3,
		MaxGradNorm:     10,
	}
}

func (c Config) Validate() error {
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("policy: gamma %v outside [0,1]", c.Gamma)
	}
	if c.SteeringSteps <= 0 || c.ThrottleSteps <= 0 {
		return fmt.Errorf("policy: action grid needs positive steps")
	}
	switch c.Name {
	case "tabular":
		if c.Alpha <= 0 || c.Alpha > 1 {
			return fmt.Errorf("policy: alpha %v outside (0,1]", c.Alpha)
		}
	case "gaussian":
		if c.ObsDim <= 0 {
			return fmt.Errorf("policy: obs_dim must be positive")
		}
	case "random":
	default:
		return fmt.Errorf("policy: unknown policy %q", c.Name)
	}
	return nil
}

func (c Config) grid() *ActionGrid {
	return NewActionGrid(c.SteeringRange, c.SteeringSteps, c.ThrottleRange, c.ThrottleSteps)
}

func (c Config) source() erand.Source {
	seed := c.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return erand.NewSource(seed)
}

// New builds the policy named in the config.
func New(c Config) (core.Policy, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Name {
	case "tabular":
		return NewTabularQ(c), nil
	case "gaussian":
		return NewGaussian(c), nil
	}
	return NewRandomPolicy(c), nil
}

type Constructor struct {
	config Config
}

var _ core.PolicyConstructor = &Constructor{}

func NewConstructor(c Config) *Constructor {
	return &Constructor{config: c}
}

func (c *Constructor) NewPolicy() (core.Policy, error) {
	return New(c.config)
}
