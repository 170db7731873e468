package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zeu5/dist-rl-driving/checkpoint"
	"github.com/zeu5/dist-rl-driving/core"
	"github.com/zeu5/dist-rl-driving/replay"
)

var ErrNoWorkers = errors.New("no workers left in the pool")

const checkpointTimeout = time.Minute

// Worker is the coordinator's view of one remote worker.
type Worker interface {
	ID() string
	UpdateParams(ctx context.Context, snapshot core.Snapshot) error
	Rollout(ctx context.Context, job core.RolloutJob) (core.RolloutResult, error)
	Close() error
}

type Option func(*Master)

func WithLogger(logger *logrus.Entry) Option {
	return func(m *Master) {
		if logger != nil {
			m.logger = logger.WithField("component", "coordinator")
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Master) {
		m.metrics = metrics
	}
}

func WithObservers(observers ...Observer) Option {
	return func(m *Master) {
		m.observers = append(m.observers, observers...)
	}
}

type workerState struct {
	w        Worker
	failures int
	retired  bool
}

// Master owns the canonical policy and its version. Every iteration it
// broadcasts a snapshot, fans rollout jobs out to the workers, merges what
// comes back into the replay buffer and trains on schedule. Iterate is not
// safe for concurrent use.
type Master struct {
	cfg       Config
	policy    core.Policy
	version   int64
	workers   []*workerState
	buffer    *replay.Buffer
	schedule  *Schedule
	store     checkpoint.Store
	metrics   *Metrics
	logger    *logrus.Entry
	observers []Observer

	iteration int
	scores    []int

	pending   sync.WaitGroup
	ckptMu    sync.Mutex
	ckptErrs  []error
	closeOnce sync.Once
}

// New builds a master over a fixed worker pool. store may be nil, which
// disables checkpoints.
func New(cfg Config, policy core.Policy, workers []Worker, store checkpoint.Store, opts ...Option) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if policy == nil {
		return nil, errors.New("coordinator: nil policy")
	}
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	buffer, err := replay.NewBuffer(cfg.BufferCapacity, cfg.Seed)
	if err != nil {
		return nil, err
	}
	m := &Master{
		cfg:      cfg,
		policy:   policy,
		buffer:   buffer,
		schedule: NewSchedule(cfg),
		store:    store,
		logger:   logrus.NewEntry(logrus.StandardLogger()).WithField("component", "coordinator"),
		scores:   make([]int, 0),
	}
	for _, w := range workers {
		m.workers = append(m.workers, &workerState{w: w})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Master) Version() int64 {
	return m.version
}

// Iteration is the index of the next iteration to run.
func (m *Master) Iteration() int {
	return m.iteration
}

func (m *Master) Epsilon() float64 {
	return m.schedule.Epsilon()
}

// Scores returns the score of every terminated episode seen so far.
func (m *Master) Scores() []int {
	out := make([]int, len(m.scores))
	copy(out, m.scores)
	return out
}

// Restore loads a checkpoint into the canonical policy.
func (m *Master) Restore(ctx context.Context, name string) error {
	if m.store == nil {
		return errors.New("no checkpoint store configured")
	}
	params, err := m.store.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("loading checkpoint %q: %w", name, err)
	}
	if err := m.policy.SetParameters(params); err != nil {
		return fmt.Errorf("installing checkpoint %q: %w", name, err)
	}
	m.logger.WithField("checkpoint", name).Info("canonical policy restored")
	return nil
}

// Run restores the configured checkpoint, if any, and iterates until the
// configured number of iterations is done, the context ends or no worker
// is left.
func (m *Master) Run(ctx context.Context) error {
	if name := m.cfg.Checkpoint.LoadName; name != "" && m.iteration == 0 {
		if err := m.Restore(ctx, name); err != nil {
			return err
		}
	}
	for m.iteration < m.cfg.Iterations {
		if _, err := m.Iterate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) active() []*workerState {
	out := make([]*workerState, 0, len(m.workers))
	for _, ws := range m.workers {
		if !ws.retired {
			out = append(out, ws)
		}
	}
	return out
}

// Iterate runs one iteration: broadcast, rollout, merge, train, decay,
// checkpoint.
func (m *Master) Iterate(ctx context.Context) (IterationSummary, error) {
	start := time.Now()
	i := m.iteration
	summary := IterationSummary{Iteration: i, Epsilon: m.schedule.Epsilon()}

	active := m.active()
	if len(active) == 0 {
		return summary, ErrNoWorkers
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	log := m.logger.WithField("iteration", i)

	snapshot := core.NewSnapshot(m.version, m.policy.Parameters())
	errs := m.broadcast(ctx, active, snapshot)
	results := m.rollout(ctx, active, errs, core.RolloutJob{
		Iteration:  i,
		Episodes:   m.cfg.EpisodesPerWorker,
		Epsilon:    summary.Epsilon,
		MinVersion: snapshot.Version,
	})
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	scores := make([]int, 0)
	for idx, ws := range active {
		status := WorkerStatus{ID: ws.w.ID()}
		if err := errs[idx]; err != nil {
			status.Err = err.Error()
			m.workerFailed(ws, err, log)
		} else {
			ws.failures = 0
			res := results[idx]
			for _, ep := range res.Episodes {
				key := fmt.Sprintf("%s/%s/%d", res.JobID, res.WorkerID, ep.Episode)
				if m.buffer.Ingest(key, ep.Transitions) {
					status.Transitions += len(ep.Transitions)
				}
			}
			status.Episodes = len(res.Episodes)
			scores = append(scores, res.Scores()...)
		}
		status.Retired = ws.retired
		summary.Episodes += status.Episodes
		summary.Transitions += status.Transitions
		summary.Workers = append(summary.Workers, status)
	}
	summary.setScores(scores)
	m.scores = append(m.scores, scores...)

	if m.schedule.ShouldTrain(i) {
		m.train(&summary, log)
	}
	m.schedule.Decay()

	if m.store != nil && m.schedule.ShouldCheckpoint(i) {
		summary.Checkpoint = checkpoint.Name(m.cfg.Checkpoint.SaveName, i)
		m.saveAsync(ctx, summary.Checkpoint, m.policy.Parameters())
	}

	summary.Version = m.version
	summary.BufferSize = m.buffer.Len()
	summary.Duration = time.Since(start)
	m.iteration++

	m.metrics.iteration(summary)
	log.WithFields(logrus.Fields{
		"version":     summary.Version,
		"episodes":    summary.Episodes,
		"mean_score":  summary.MeanScore,
		"max_score":   summary.MaxScore,
		"buffer":      summary.BufferSize,
		"trained":     summary.Trained(),
		"checkpoint":  summary.Checkpoint,
		"failed":      len(summary.FailedWorkers()),
		"epsilon":     summary.Epsilon,
		"duration_ms": summary.Duration.Milliseconds(),
	}).Info("iteration done")
	for _, o := range m.observers {
		o.Observe(summary)
	}
	return summary, nil
}

// broadcast installs the snapshot on every worker and waits for all
// acknowledgements. A failure only affects the worker it happened on.
func (m *Master) broadcast(ctx context.Context, active []*workerState, snapshot core.Snapshot) []error {
	errs := make([]error, len(active))
	var g errgroup.Group
	for idx, ws := range active {
		idx, ws := idx, ws
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(ctx, m.cfg.BroadcastTimeout)
			defer cancel()
			if err := ws.w.UpdateParams(bctx, snapshot); err != nil {
				errs[idx] = fmt.Errorf("broadcasting version %d: %w", snapshot.Version, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// rollout dispatches one job to every worker that acknowledged the
// snapshot and joins on all of them. Failures are written into errs.
func (m *Master) rollout(ctx context.Context, active []*workerState, errs []error, template core.RolloutJob) []core.RolloutResult {
	results := make([]core.RolloutResult, len(active))
	deadline := time.Now().Add(m.cfg.RolloutTimeout)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var g errgroup.Group
	for idx, ws := range active {
		idx, ws := idx, ws
		if errs[idx] != nil {
			continue
		}
		job := template
		job.JobID = uuid.NewString()
		job.Deadline = deadline
		g.Go(func() error {
			res, err := ws.w.Rollout(rctx, job)
			if err == nil && res.Version < job.MinVersion {
				err = fmt.Errorf("rolled out with version %d, canonical is %d", res.Version, job.MinVersion)
			}
			if err != nil {
				errs[idx] = fmt.Errorf("rollout %s: %w", job.JobID, err)
				return nil
			}
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Master) workerFailed(ws *workerState, err error, log *logrus.Entry) {
	ws.failures++
	m.metrics.workerFailed(ws.w.ID())
	wlog := log.WithFields(logrus.Fields{"worker": ws.w.ID(), "consecutive": ws.failures})
	wlog.WithError(err).Warn("worker contributed nothing this iteration")

	if m.cfg.Failure.Mode != FailureRetire || ws.failures < m.cfg.Failure.MaxConsecutiveFailures {
		return
	}
	ws.retired = true
	wlog.Warn("retiring worker")
	if cerr := ws.w.Close(); cerr != nil {
		wlog.WithError(cerr).Debug("closing retired worker")
	}
}

// train runs the scheduled training steps. A failed step leaves the
// canonical policy as it was before that step.
func (m *Master) train(s *IterationSummary, log *logrus.Entry) {
	for b := 0; b < m.cfg.ReplayBatches; b++ {
		batch, err := m.buffer.Sample(m.cfg.BatchSize)
		if err != nil {
			log.WithError(err).Debug("not enough experience to train")
			break
		}
		before := m.policy.Parameters()
		err = m.policy.TrainStep(batch)
		m.metrics.trained(err)
		if err != nil {
			if rerr := m.policy.SetParameters(before); rerr != nil {
				err = errors.Join(err, fmt.Errorf("restoring parameters: %w", rerr))
			}
			log.WithError(err).WithField("batch", b).Error("training step failed")
			s.TrainErrors = append(s.TrainErrors, err.Error())
			continue
		}
		m.version++
		s.TrainSteps++
	}
	if s.TrainSteps > 0 && m.drains() {
		m.buffer.Reset()
		s.Drained = true
	}
}

func (m *Master) drains() bool {
	if m.cfg.DrainAfterTrain {
		return true
	}
	d, ok := m.policy.(core.Drainer)
	return ok && d.DrainsReplay()
}

func (m *Master) saveAsync(ctx context.Context, name string, params core.Parameters) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
		defer cancel()
		err := m.store.Save(sctx, name, params)
		m.metrics.checkpointed(err)
		if err != nil {
			m.logger.WithError(err).WithField("checkpoint", name).Error("saving checkpoint")
			m.ckptMu.Lock()
			m.ckptErrs = append(m.ckptErrs, fmt.Errorf("checkpoint %s: %w", name, err))
			m.ckptMu.Unlock()
			return
		}
		m.logger.WithField("checkpoint", name).Debug("checkpoint saved")
	}()
}

// Wait blocks until every pending checkpoint is written.
func (m *Master) Wait() {
	m.pending.Wait()
}

// Close waits for pending checkpoints and closes every worker handle still
// in the pool. Failed checkpoint saves are reported here.
func (m *Master) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		m.pending.Wait()
		m.ckptMu.Lock()
		errs = append(errs, m.ckptErrs...)
		m.ckptMu.Unlock()
		for _, ws := range m.workers {
			if ws.retired {
				continue
			}
			if err := ws.w.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing worker %s: %w", ws.w.ID(), err))
			}
		}
	})
	return errors.Join(errs...)
}
