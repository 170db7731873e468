package core

import "math"

// TerminalCause records why an episode stopped.
type TerminalCause string

const (
	CauseNone TerminalCause = ""
	// CauseEnvDone means the simulator itself reported the episode over.
	CauseEnvDone TerminalCause = "env_done"
	// CauseFatalDeparture means |cte| exceeded the absolute safety bound.
	CauseFatalDeparture TerminalCause = "fatal_departure"
	// CauseTrackExit means the offset-corrected cte exceeded the track limit.
	CauseTrackExit TerminalCause = "track_exit"
	CauseHorizon   TerminalCause = "horizon"
	CauseError     TerminalCause = "error"
	CauseCancelled TerminalCause = "cancelled"
)

// Terminated reports whether the cause is a normal end of episode, as
// opposed to an aborted one.
func (c TerminalCause) Terminated() bool {
	switch c {
	case CauseEnvDone, CauseFatalDeparture, CauseTrackExit, CauseHorizon:
		return true
	}
	return false
}

type TerminationConfig struct {
	// CTELimit bounds |cte + CTEOffset|; 3.2 is the white line.
	CTELimit  float64 `yaml:"cte_limit" json:"cte_limit"`
	CTEOffset float64 `yaml:"cte_offset" json:"cte_offset"`
	// FatalCTE bounds the raw |cte|; past it the car is considered lost.
	FatalCTE float64 `yaml:"fatal_cte" json:"fatal_cte"`
}

func DefaultTerminationConfig() TerminationConfig {
	return TerminationConfig{
		CTELimit:  3.0,
		CTEOffset: 0,
		FatalCTE:  100,
	}
}

// Evaluate applies the termination policy to one cycle. The first condition
// that holds wins.
func (c TerminationConfig) Evaluate(envDone bool, info Info) TerminalCause {
	if envDone {
		return CauseEnvDone
	}
	if c.FatalCTE > 0 && math.Abs(info.CTE) > c.FatalCTE {
		return CauseFatalDeparture
	}
	if math.Abs(info.CTE+c.CTEOffset) > c.CTELimit {
		return CauseTrackExit
	}
	return CauseNone
}

// EpisodeResult is what a worker hands back for one episode. Transitions are
// in step order.
type EpisodeResult struct {
	Episode     int           `json:"episode"`
	Transitions []Transition  `json:"transitions"`
	Iterations  int           `json:"iterations"`
	Cause       TerminalCause `json:"cause"`
	Err         string        `json:"error,omitempty"`
}

func (r EpisodeResult) Failed() bool {
	return r.Err != ""
}

// Score is the number of cycles survived.
func (r EpisodeResult) Score() int {
	return r.Iterations
}
