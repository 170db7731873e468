package sim

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message types of the donkey car telemetry protocol. Every message is one
// JSON object per line.
const (
	MsgResetCar  = "reset_car"
	MsgControl   = "control"
	MsgTelemetry = "telemetry"
	MsgExitScene = "exit_scene"
)

type envelope struct {
	MsgType string `json:"msg_type"`
}

// ControlMsg carries its numbers as strings on the wire.
type ControlMsg struct {
	MsgType  string `json:"msg_type"`
	Steering string `json:"steering"`
	Throttle string `json:"throttle"`
	Brake    string `json:"brake"`
}

func NewControlMsg(steering, throttle float64) ControlMsg {
	return ControlMsg{
		MsgType:  MsgControl,
		Steering: strconv.FormatFloat(steering, 'f', -1, 64),
		Throttle: strconv.FormatFloat(throttle, 'f', -1, 64),
		Brake:    "0.0",
	}
}

func (c ControlMsg) Values() (float64, float64, error) {
	steering, err := strconv.ParseFloat(c.Steering, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("steering: %w", err)
	}
	throttle, err := strconv.ParseFloat(c.Throttle, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("throttle: %w", err)
	}
	return steering, throttle, nil
}

type TelemetryMsg struct {
	MsgType       string  `json:"msg_type"`
	SteeringAngle float64 `json:"steering_angle"`
	Throttle      float64 `json:"throttle"`
	Speed         float64 `json:"speed"`
	Hit           string  `json:"hit"`
	PosX          float64 `json:"pos_x"`
	PosY          float64 `json:"pos_y"`
	PosZ          float64 `json:"pos_z"`
	CTE           float64 `json:"cte"`
	Yaw           float64 `json:"yaw"`
	Time          float64 `json:"time"`
}

func telemetry(t *Track, c Car) TelemetryMsg {
	return TelemetryMsg{
		MsgType:       MsgTelemetry,
		SteeringAngle: c.Steering,
		Throttle:      c.Throttle,
		Speed:         c.Speed,
		Hit:           c.Hit,
		PosX:          c.X,
		PosZ:          c.Z,
		CTE:           t.CTE(c),
		Yaw:           Yaw(c),
		Time:          c.Elapsed,
	}
}

func msgType(line []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", err
	}
	return env.MsgType, nil
}
