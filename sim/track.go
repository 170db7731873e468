package sim

import (
	"math"
)

type TrackConfig struct {
	// Radius of the circular centerline.
	Radius float64 `yaml:"radius" json:"radius"`
	// WallCTE is the lateral distance at which the car hits the wall.
	WallCTE float64 `yaml:"wall_cte" json:"wall_cte"`
	// SteerScale converts steering units into wheel angle (radians).
	SteerScale float64 `yaml:"steer_scale" json:"steer_scale"`
	Wheelbase  float64 `yaml:"wheelbase" json:"wheelbase"`
	MaxAccel   float64 `yaml:"max_accel" json:"max_accel"`
	Drag       float64 `yaml:"drag" json:"drag"`
	// DT is the simulated time of one control step, in seconds.
	DT float64 `yaml:"dt" json:"dt"`
}

func DefaultTrackConfig() TrackConfig {
	return TrackConfig{
		Radius:     20,
		WallCTE:    5,
		SteerScale: 0.05,
		Wheelbase:  2,
		MaxAccel:   4,
		Drag:       0.4,
		DT:         0.05,
	}
}

// Car is the kinematic state of one vehicle on the circular track. The
// start line is at (Radius, 0) heading counter-clockwise.
type Car struct {
	X, Z     float64
	Heading  float64
	Speed    float64
	Steering float64
	Throttle float64
	Hit      string
	Elapsed  float64
}

type Track struct {
	config TrackConfig
}

func NewTrack(config TrackConfig) *Track {
	return &Track{config: config}
}

func (t *Track) Start() Car {
	return Car{X: t.config.Radius, Heading: math.Pi / 2, Hit: "none"}
}

// Step integrates one control interval with a bicycle model.
func (t *Track) Step(c Car, steering, throttle float64) Car {
	dt := t.config.DT
	c.Steering = steering
	c.Throttle = throttle
	c.Speed += (throttle*t.config.MaxAccel - t.config.Drag*c.Speed) * dt
	if c.Speed < 0 {
		c.Speed = 0
	}
	angle := steering * t.config.SteerScale
	c.Heading += c.Speed / t.config.Wheelbase * math.Tan(angle) * dt
	c.X += c.Speed * math.Cos(c.Heading) * dt
	c.Z += c.Speed * math.Sin(c.Heading) * dt
	c.Elapsed += dt
	if math.Abs(t.CTE(c)) > t.config.WallCTE {
		c.Hit = "wall"
	}
	return c
}

// CTE is positive outside the centerline and negative inside.
func (t *Track) CTE(c Car) float64 {
	return math.Hypot(c.X, c.Z) - t.config.Radius
}

// Yaw is the heading in degrees, as reported by the telemetry.
func Yaw(c Car) float64 {
	return c.Heading * 180 / math.Pi
}
