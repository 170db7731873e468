package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeu5/dist-rl-driving/broker"
	"github.com/zeu5/dist-rl-driving/core"
)

var (
	ErrStaleSnapshot = errors.New("stale policy snapshot")
	ErrShuttingDown  = errors.New("worker shutting down")
)

type Config struct {
	ID     string            `yaml:"id" json:"id"`
	Engine core.EngineConfig `yaml:"engine" json:"engine"`
	Reward core.RewardConfig `yaml:"reward" json:"reward"`
	// ReleaseTimeout bounds giving the lease back when the coordinator
	// goes away.
	ReleaseTimeout time.Duration `yaml:"release_timeout" json:"release_timeout"`
}

// Worker plays rollout jobs against one leased simulator with a read-only
// copy of the canonical policy. Episodes run one after the other; a second
// job waits for the first to finish.
type Worker struct {
	cfg        Config
	supervisor *broker.Supervisor
	envs       core.EnvironmentConstructor
	policy     *guardedPolicy
	logger     *logrus.Entry

	mu        sync.Mutex
	version   int64
	installed bool
	stopping  atomic.Bool

	runMu    sync.Mutex
	env      core.Environment
	port     int
	engine   *core.Engine
	episodes int
}

func New(cfg Config, supervisor *broker.Supervisor, envs core.EnvironmentConstructor, policy core.Policy, logger *logrus.Entry) (*Worker, error) {
	if supervisor == nil || envs == nil || policy == nil {
		return nil, errors.New("worker: supervisor, environment constructor and policy are required")
	}
	if cfg.ID == "" {
		return nil, errors.New("worker: empty id")
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{"component": "worker", "worker": cfg.ID})
	guarded := &guardedPolicy{policy: policy}
	return &Worker{
		cfg:        cfg,
		supervisor: supervisor,
		envs:       envs,
		policy:     guarded,
		logger:     logger,
		engine:     core.NewEngine(nil, guarded, core.NewSticksAndCarrots(cfg.Reward), cfg.Engine, logger),
	}, nil
}

func (w *Worker) ID() string {
	return w.cfg.ID
}

// Version is the version of the installed snapshot.
func (w *Worker) Version() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Scores returns the cycles survived by every terminated episode so far.
func (w *Worker) Scores() []int {
	return w.engine.Scores()
}

// AddAnalyzer hands every finished episode to a. Call it before the first
// rollout.
func (w *Worker) AddAnalyzer(a core.Analyzer) {
	w.engine.AddAnalyzer(a)
}

// Start leases a simulator and attaches an environment to it.
func (w *Worker) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.ensureEnv(ctx)
}

// UpdateParams installs a copy of the snapshot. Re-sending the installed
// version is accepted; an older one is not.
func (w *Worker) UpdateParams(_ context.Context, snapshot core.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.installed && snapshot.Version < w.version {
		return fmt.Errorf("%w: holding version %d, offered %d", ErrStaleSnapshot, w.version, snapshot.Version)
	}
	if err := w.policy.SetParameters(snapshot.Params.Copy()); err != nil {
		return fmt.Errorf("installing snapshot %d: %w", snapshot.Version, err)
	}
	w.version = snapshot.Version
	w.installed = true
	w.logger.WithField("version", snapshot.Version).Debug("snapshot installed")
	return nil
}

// Rollout plays job.Episodes episodes. The simulator is checked before each
// episode and restarted after an episode that failed on the environment.
// The result holds everything collected, also when an error is returned.
func (w *Worker) Rollout(ctx context.Context, job core.RolloutJob) (core.RolloutResult, error) {
	if !job.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, job.Deadline)
		defer cancel()
	}

	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.stopping.Load() {
		return core.RolloutResult{}, ErrShuttingDown
	}
	version := w.Version()
	if job.MinVersion > version {
		return core.RolloutResult{}, fmt.Errorf("%w: holding version %d, job needs %d", ErrStaleSnapshot, version, job.MinVersion)
	}
	result := core.RolloutResult{
		JobID:    job.JobID,
		WorkerID: w.cfg.ID,
		Version:  version,
		Episodes: make([]core.EpisodeResult, 0, job.Episodes),
	}
	log := w.logger.WithFields(logrus.Fields{"job": job.JobID, "iteration": job.Iteration})

	for i := 0; i < job.Episodes; i++ {
		if ctx.Err() != nil {
			break
		}
		if w.stopping.Load() {
			return result, ErrShuttingDown
		}
		if err := w.ensureEnv(ctx); err != nil {
			return result, err
		}

		eCtx := core.NewEpisodeContext(ctx)
		eCtx.Episode = w.episodes
		eCtx.Iteration = job.Iteration
		eCtx.WorkerID = w.cfg.ID
		w.episodes++

		ep := w.engine.Run(eCtx, job.Epsilon)
		result.Episodes = append(result.Episodes, ep)
		log.WithFields(logrus.Fields{
			"episode": ep.Episode,
			"score":   ep.Score(),
			"cause":   ep.Cause,
		}).Debug("episode done")

		if ep.Cause == core.CauseError && ctx.Err() == nil {
			log.WithField("error", ep.Err).Warn("episode failed on the simulator, restarting it")
			if err := w.restart(ctx); err != nil {
				return result, err
			}
		}
	}
	if len(result.Episodes) == 0 && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// ensureEnv pings the leased simulator, leasing or restarting it when
// needed, and rebuilds the environment when the simulator changed.
func (w *Worker) ensureEnv(ctx context.Context) error {
	h, restarted, err := w.supervisor.Check(ctx)
	if err != nil {
		w.dropEnv()
		return fmt.Errorf("reacquiring simulator: %w", err)
	}
	if !restarted && w.env != nil && w.port == h.Port() {
		return nil
	}
	return w.attach(h.Port())
}

func (w *Worker) restart(ctx context.Context) error {
	h, err := w.supervisor.Restart(ctx)
	if err != nil {
		w.dropEnv()
		return fmt.Errorf("reacquiring simulator: %w", err)
	}
	return w.attach(h.Port())
}

func (w *Worker) attach(port int) error {
	w.dropEnv()
	env, err := w.envs.NewEnvironment(port)
	if err != nil {
		return fmt.Errorf("attaching to simulator on port %d: %w", port, err)
	}
	w.env = env
	w.port = port
	w.engine.SetEnvironment(env)
	return nil
}

func (w *Worker) dropEnv() {
	if w.env != nil {
		if err := w.env.Close(); err != nil {
			w.logger.WithError(err).Debug("closing environment")
		}
	}
	w.env = nil
	w.port = 0
	w.engine.SetEnvironment(nil)
}

// BeginShutdown refuses further rollouts and keeps the lease for the final
// Close, also when the coordinator disconnects in between.
func (w *Worker) BeginShutdown() {
	w.stopping.Store(true)
}

// Disconnected releases the lease once the coordinator is gone. The next
// rollout leases a simulator again. It does nothing while shutting down.
func (w *Worker) Disconnected() {
	if w.stopping.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ReleaseTimeout)
	defer cancel()
	if err := w.Close(ctx, nil); err != nil {
		w.logger.WithError(err).Warn("releasing simulator after disconnect")
	}
}

// Close releases the lease when cause is nil and kills the simulator
// otherwise. Closing with a cause also begins shutdown.
func (w *Worker) Close(ctx context.Context, cause error) error {
	if cause != nil {
		w.BeginShutdown()
	}
	w.runMu.Lock()
	defer w.runMu.Unlock()
	w.dropEnv()
	return w.supervisor.Stop(ctx, cause)
}

// guardedPolicy serialises snapshot installs against action selection.
type guardedPolicy struct {
	mu     sync.Mutex
	policy core.Policy
}

func (g *guardedPolicy) GetAction(obs core.Observation, epsilon float64) core.Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.GetAction(obs, epsilon)
}

func (g *guardedPolicy) TrainStep(batch []core.Transition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.TrainStep(batch)
}

func (g *guardedPolicy) Parameters() core.Parameters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.Parameters()
}

func (g *guardedPolicy) SetParameters(params core.Parameters) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.SetParameters(params)
}
