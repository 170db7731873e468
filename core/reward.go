package core

import "math"

// RewardShaper replaces the raw simulator reward. It is called exactly once
// per cycle with the action, info and termination flag of that cycle.
type RewardShaper interface {
	Shape(action Action, info Info, done bool) float32
}

type ShaperFunc func(action Action, info Info, done bool) float32

func (f ShaperFunc) Shape(action Action, info Info, done bool) float32 {
	return f(action, info, done)
}

type RewardConfig struct {
	// Stick is the fixed reward on termination.
	Stick float64 `yaml:"reward_stick" json:"reward_stick"`
	// CTECoef weighs track centering; cte goes from -3.2 to 3.2 on the road.
	CTECoef float64 `yaml:"cte_coef" json:"cte_coef"`
	// SpeedCoef weighs speed; speed goes roughly from 0 to 10.
	SpeedCoef float64 `yaml:"speed_coef" json:"speed_coef"`
	CTELimit  float64 `yaml:"cte_limit" json:"cte_limit"`
	CTEOffset float64 `yaml:"cte_offset" json:"cte_offset"`
}

func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		Stick:     -1000,
		CTECoef:   1000,
		SpeedCoef: 200,
		CTELimit:  3.0,
		CTEOffset: 0,
	}
}

// SticksAndCarrots penalises termination with a fixed stick and otherwise
// pays for staying centered and for speed while centered.
type SticksAndCarrots struct {
	cfg RewardConfig
}

func NewSticksAndCarrots(cfg RewardConfig) *SticksAndCarrots {
	if cfg.CTELimit <= 0 {
		cfg.CTELimit = DefaultRewardConfig().CTELimit
	}
	return &SticksAndCarrots{cfg: cfg}
}

func (s *SticksAndCarrots) Shape(_ Action, info Info, done bool) float32 {
	if done {
		return float32(s.cfg.Stick)
	}
	centering := 1 - math.Abs(info.CTE+s.cfg.CTEOffset)/s.cfg.CTELimit
	if centering < 0 {
		centering = 0
	}
	carrot := s.cfg.CTECoef*centering/s.cfg.CTELimit + s.cfg.SpeedCoef*info.Speed*centering/10
	return float32(carrot)
}
