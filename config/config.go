package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeu5/dist-rl-driving/broker"
	"github.com/zeu5/dist-rl-driving/checkpoint"
	"github.com/zeu5/dist-rl-driving/coordinator"
	"github.com/zeu5/dist-rl-driving/core"
	"github.com/zeu5/dist-rl-driving/policies"
	"github.com/zeu5/dist-rl-driving/rpc"
	"github.com/zeu5/dist-rl-driving/sim"
	"github.com/zeu5/dist-rl-driving/util"
	"github.com/zeu5/dist-rl-driving/worker"
)

// CredentialEnv holds the broker credential when the file leaves it empty.
const CredentialEnv = "PS"

type (
	TrainingConfig   = coordinator.Config
	EpisodeConfig    = core.EngineConfig
	RewardConfig     = core.RewardConfig
	PolicyConfig     = policies.Config
	CheckpointConfig = checkpoint.Config
)

type LauncherConfig struct {
	// Command starts one simulator; "{port}" in Args is replaced by the
	// slot port. Empty means simulators are started out of band.
	Command string        `yaml:"command" json:"command"`
	Args    []string      `yaml:"args" json:"args"`
	Grace   time.Duration `yaml:"grace" json:"grace"`
}

type BrokerConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Credential string `yaml:"credential" json:"-"`
	BasePort   int    `yaml:"base_port" json:"base_port"`
	// Size is the number of simulator slots, one per worker.
	Size          int                 `yaml:"size" json:"size"`
	IOTimeout     time.Duration       `yaml:"io_timeout" json:"io_timeout"`
	ClientTimeout time.Duration       `yaml:"client_timeout" json:"client_timeout"`
	Retry         broker.RetryOptions `yaml:"retry" json:"retry"`
	SimHost       string              `yaml:"sim_host" json:"sim_host"`
	WaitReady     time.Duration       `yaml:"wait_ready" json:"wait_ready"`
	Launcher      LauncherConfig      `yaml:"launcher" json:"launcher"`
}

func (b BrokerConfig) Pool() broker.PoolConfig {
	return broker.PoolConfig{Credential: b.Credential, BasePort: b.BasePort, Size: b.Size}
}

func (b BrokerConfig) Server() broker.ServerConfig {
	return broker.ServerConfig{Addr: b.Addr, IOTimeout: b.IOTimeout}
}

func (b BrokerConfig) Client() broker.ClientConfig {
	return broker.ClientConfig{Addr: b.Addr, Credential: b.Credential, Timeout: b.ClientTimeout}
}

func (b BrokerConfig) Lease() broker.LeaseOptions {
	return broker.LeaseOptions{Retry: b.Retry, SimHost: b.SimHost, WaitReady: b.WaitReady}
}

type SimConfig struct {
	Track sim.TrackConfig `yaml:"track" json:"track"`
	Env   sim.EnvConfig   `yaml:"env" json:"env"`
}

type WorkerConfig struct {
	ID             string        `yaml:"id" json:"id"`
	Listen         string        `yaml:"listen" json:"listen"`
	ReleaseTimeout time.Duration `yaml:"release_timeout" json:"release_timeout"`
	// DumpErrors writes failed episodes under the save path.
	DumpErrors bool `yaml:"dump_errors" json:"dump_errors"`
	// TraceFrom writes full traces of episodes from this index on; a
	// negative value disables it.
	TraceFrom int `yaml:"trace_from" json:"trace_from"`
}

type RPCConfig struct {
	Token string `yaml:"token" json:"-"`
	// Workers are the websocket URLs the coordinator connects to.
	Workers     []string      `yaml:"workers" json:"workers"`
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// Config is the whole configuration surface. Components receive their part
// by value.
type Config struct {
	SavePath   string           `yaml:"save_path" json:"save_path"`
	Broker     BrokerConfig     `yaml:"broker" json:"broker"`
	Sim        SimConfig        `yaml:"sim" json:"sim"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
	RPC        RPCConfig        `yaml:"rpc" json:"rpc"`
	Training   TrainingConfig   `yaml:"training" json:"training"`
	Episode    EpisodeConfig    `yaml:"episode" json:"episode"`
	Reward     RewardConfig     `yaml:"reward" json:"reward"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
}

func Default() Config {
	reward := core.DefaultRewardConfig()
	return Config{
		SavePath: "results",
		Broker: BrokerConfig{
			Addr:          "127.0.0.1:5555",
			BasePort:      9091,
			Size:          8,
			IOTimeout:     10 * time.Second,
			ClientTimeout: 30 * time.Second,
			Retry:         broker.DefaultRetryOptions(),
			SimHost:       "127.0.0.1",
			WaitReady:     20 * time.Second,
		},
		Sim: SimConfig{
			Track: sim.DefaultTrackConfig(),
			Env:   sim.DefaultEnvConfig(),
		},
		Worker: WorkerConfig{
			Listen:         "127.0.0.1:7070",
			ReleaseTimeout: 5 * time.Second,
			DumpErrors:     true,
			TraceFrom:      -1,
		},
		RPC: RPCConfig{
			CallTimeout: 15 * time.Minute,
			DialTimeout: 10 * time.Second,
		},
		Training: coordinator.DefaultConfig(),
		Episode: core.EngineConfig{
			Termination: core.TerminationConfig{
				CTELimit:  reward.CTELimit,
				CTEOffset: reward.CTEOffset,
				FatalCTE:  core.DefaultTerminationConfig().FatalCTE,
			},
		},
		Reward:     reward,
		Policy:     policies.DefaultConfig(),
		Checkpoint: checkpoint.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected. An
// empty path returns the defaults.
func Load(file string) (Config, error) {
	cfg := Default()
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return cfg, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parsing config %s: %w", file, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Broker.Credential == "" {
		c.Broker.Credential = os.Getenv(CredentialEnv)
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Broker.Size <= 0 {
		errs = append(errs, fmt.Errorf("broker.size must be positive, got %d", c.Broker.Size))
	}
	if c.Broker.BasePort <= 0 || c.Broker.BasePort+c.Broker.Size-1 > 65535 {
		errs = append(errs, fmt.Errorf("broker.base_port %d does not fit %d slots", c.Broker.BasePort, c.Broker.Size))
	}
	if c.Episode.Termination.CTELimit <= 0 {
		errs = append(errs, errors.New("episode.termination.cte_limit must be positive"))
	}
	if c.Episode.Horizon < 0 {
		errs = append(errs, errors.New("episode.horizon must not be negative"))
	}
	if c.Reward.CTELimit != c.Episode.Termination.CTELimit || c.Reward.CTEOffset != c.Episode.Termination.CTEOffset {
		errs = append(errs, errors.New("reward cte_limit/cte_offset must match episode termination"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Coordinator().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Checkpoint.Kind {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint kind %q", c.Checkpoint.Kind))
	}
	return errors.Join(errs...)
}

// RequireCredential is checked by the processes that talk to the broker.
func (c Config) RequireCredential() error {
	if c.Broker.Credential == "" {
		return fmt.Errorf("broker credential is empty; set broker.credential or %s", CredentialEnv)
	}
	return nil
}

// Coordinator returns the training settings with the checkpoint schedule
// filled in.
func (c Config) Coordinator() coordinator.Config {
	t := c.Training
	t.Checkpoint = c.Checkpoint
	return t
}

func (c Config) WorkerConfig(id string) worker.Config {
	return worker.Config{
		ID:             id,
		Engine:         c.Episode,
		Reward:         c.Reward,
		ReleaseTimeout: c.Worker.ReleaseTimeout,
	}
}

func (c Config) RPCClient(url string) rpc.ClientConfig {
	return rpc.ClientConfig{
		URL:         url,
		Token:       c.RPC.Token,
		Timeout:     c.RPC.CallTimeout,
		DialTimeout: c.RPC.DialTimeout,
	}
}

// Record writes the effective configuration, without secrets, next to the
// run output.
func (c Config) Record(dir string) error {
	return util.SaveJson(path.Join(dir, "config.json"), c)
}
