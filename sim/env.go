package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/zeu5/dist-rl-driving/core"
)

var ErrEnvClosed = errors.New("environment closed")

type EnvConfig struct {
	Host    string        `yaml:"host" json:"host"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxCTE scales the raw reward the simulator side would report.
	MaxCTE float64 `yaml:"max_cte" json:"max_cte"`
}

func DefaultEnvConfig() EnvConfig {
	return EnvConfig{Host: "127.0.0.1", Timeout: 10 * time.Second, MaxCTE: 8}
}

func (c EnvConfig) withDefaults() EnvConfig {
	def := DefaultEnvConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxCTE <= 0 {
		c.MaxCTE = def.MaxCTE
	}
	return c
}

// DonkeyEnv is a core.Environment talking to one simulator over the donkey
// telemetry protocol. Observations are [cte, speed, steering, throttle, yaw].
type DonkeyEnv struct {
	config  EnvConfig
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
}

var _ core.Environment = &DonkeyEnv{}

func Dial(ctx context.Context, addr string, config EnvConfig) (*DonkeyEnv, error) {
	config = config.withDefaults()
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to simulator at %s: %w", addr, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 8<<20)
	return &DonkeyEnv{
		config:  config,
		conn:    conn,
		scanner: scanner,
		enc:     json.NewEncoder(conn),
	}, nil
}

func (e *DonkeyEnv) exchange(ctx context.Context, msg interface{}) (TelemetryMsg, error) {
	if e.conn == nil {
		return TelemetryMsg{}, ErrEnvClosed
	}
	deadline := time.Now().Add(e.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	e.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { e.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := e.enc.Encode(msg); err != nil {
		return TelemetryMsg{}, fmt.Errorf("sending to simulator: %w", err)
	}
	for e.scanner.Scan() {
		line := e.scanner.Bytes()
		kind, err := msgType(line)
		if err != nil {
			return TelemetryMsg{}, fmt.Errorf("reading simulator message: %w", err)
		}
		if kind != MsgTelemetry {
			continue
		}
		var t TelemetryMsg
		if err := json.Unmarshal(line, &t); err != nil {
			return TelemetryMsg{}, fmt.Errorf("decoding telemetry: %w", err)
		}
		return t, nil
	}
	if err := e.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return TelemetryMsg{}, ctx.Err()
		}
		return TelemetryMsg{}, fmt.Errorf("reading telemetry: %w", err)
	}
	return TelemetryMsg{}, fmt.Errorf("simulator closed the connection")
}

// Reset puts the car on the start line and takes a zero action to get the
// first observation.
func (e *DonkeyEnv) Reset(ctx context.Context) (core.Observation, core.Info, error) {
	if _, err := e.exchange(ctx, envelope{MsgType: MsgResetCar}); err != nil {
		return nil, core.Info{}, err
	}
	obs, _, _, info, err := e.Step(ctx, core.Action{0, 0})
	return obs, info, err
}

func (e *DonkeyEnv) Step(ctx context.Context, action core.Action) (core.Observation, float64, bool, core.Info, error) {
	if len(action) < 2 {
		return nil, 0, false, core.Info{}, fmt.Errorf("action needs steering and throttle, got %d values", len(action))
	}
	t, err := e.exchange(ctx, NewControlMsg(action[0], action[1]))
	if err != nil {
		return nil, 0, false, core.Info{}, err
	}
	obs := core.Observation{t.CTE, t.Speed, t.SteeringAngle, t.Throttle, t.Yaw}
	info := core.Info{
		CTE:   t.CTE,
		Speed: t.Speed,
		Hit:   t.Hit,
		Extra: map[string]float64{"pos_x": t.PosX, "pos_z": t.PosZ, "yaw": t.Yaw, "time": t.Time},
	}
	done := t.Hit != "" && t.Hit != "none"
	reward := (1 - math.Abs(t.CTE)/e.config.MaxCTE) * t.Speed
	if done {
		reward = -1
	}
	return obs, reward, done, info, nil
}

func (e *DonkeyEnv) Close() error {
	if e.conn == nil {
		return nil
	}
	e.conn.SetDeadline(time.Now().Add(time.Second))
	e.enc.Encode(envelope{MsgType: MsgExitScene})
	err := e.conn.Close()
	e.conn = nil
	return err
}

// EnvConstructor attaches environments to leased simulator ports.
type EnvConstructor struct {
	config EnvConfig
}

var _ core.EnvironmentConstructor = &EnvConstructor{}

func NewEnvConstructor(config EnvConfig) *EnvConstructor {
	return &EnvConstructor{config: config.withDefaults()}
}

func (c *EnvConstructor) NewEnvironment(port int) (core.Environment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return Dial(ctx, net.JoinHostPort(c.config.Host, strconv.Itoa(port)), c.config)
}
