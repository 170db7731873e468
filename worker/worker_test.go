package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeu5/dist-rl-driving/broker"
	"github.com/zeu5/dist-rl-driving/core"
)

type fakeEnv struct {
	ctes   []float64
	fail   bool
	steps  int
	closed bool
}

func (f *fakeEnv) Reset(context.Context) (core.Observation, core.Info, error) {
	f.steps = 0
	return core.Observation{0}, core.Info{}, nil
}

func (f *fakeEnv) Step(context.Context, core.Action) (core.Observation, float64, bool, core.Info, error) {
	if f.fail {
		return nil, 0, false, core.Info{}, errors.New("connection reset")
	}
	cte := f.ctes[f.steps%len(f.ctes)]
	f.steps++
	return core.Observation{cte}, 0, false, core.Info{CTE: cte, Speed: 2}, nil
}

func (f *fakeEnv) Close() error {
	f.closed = true
	return nil
}

// fakeEnvs hands out one environment per attach; failFirst makes the first
// one fail on its first step.
type fakeEnvs struct {
	mu        sync.Mutex
	ports     []int
	envs      []*fakeEnv
	failFirst bool
	err       error
}

func (f *fakeEnvs) NewEnvironment(port int) (core.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	env := &fakeEnv{ctes: []float64{0.5, 1.2, 3.4}, fail: f.failFirst && len(f.envs) == 0}
	f.ports = append(f.ports, port)
	f.envs = append(f.envs, env)
	return env, nil
}

func (f *fakeEnvs) attached() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

type recordingPolicy struct {
	params core.Parameters
}

func (r *recordingPolicy) GetAction(core.Observation, float64) core.Action {
	return core.Action{0, 0.5}
}
func (r *recordingPolicy) TrainStep([]core.Transition) error { return nil }
func (r *recordingPolicy) Parameters() core.Parameters { return r.params.Copy() }
func (r *recordingPolicy) SetParameters(p core.Parameters) error {
	r.params = p
	return nil
}

func startBroker(t *testing.T, size int) (*broker.Pool, *broker.Client, *broker.Metrics) {
	t.Helper()
	metrics := broker.NewMetrics(prometheus.NewRegistry())
	pool, err := broker.NewPool(broker.PoolConfig{Credential: "pw", BasePort: 9091, Size: size}, nil, nil, nil)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	server := broker.NewServer(pool, broker.ServerConfig{IOTimeout: 2 * time.Second}, metrics, nil)
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	client := broker.NewClient(broker.ClientConfig{Addr: ln.Addr().String(), Credential: "pw", Timeout: 2 * time.Second}, nil)
	return pool, client, metrics
}

func newTestWorker(t *testing.T, envs *fakeEnvs) (*Worker, *broker.Pool, *broker.Supervisor) {
	t.Helper()
	w, pool, sup, _ := newMeteredWorker(t, envs)
	return w, pool, sup
}

func newMeteredWorker(t *testing.T, envs *fakeEnvs) (*Worker, *broker.Pool, *broker.Supervisor, *broker.Metrics) {
	t.Helper()
	pool, client, metrics := startBroker(t, 1)
	sup := broker.NewSupervisor(client, broker.LeaseOptions{
		Retry: broker.RetryOptions{MaxRetries: 2, MinRetry: 10 * time.Millisecond},
	}, nil)
	cfg := Config{
		ID:     "w-0",
		Engine: core.EngineConfig{Termination: core.DefaultTerminationConfig()},
		Reward: core.DefaultRewardConfig(),
	}
	w, err := New(cfg, sup, envs, &recordingPolicy{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(context.Background(), nil) })
	return w, pool, sup, metrics
}

func requests(m *broker.Metrics, kind broker.Kind) float64 {
	return testutil.ToFloat64(m.RequestsTotal.WithLabelValues(string(kind), broker.StatusOK))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{ID: "w"}, nil, &fakeEnvs{}, &recordingPolicy{}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, &broker.Supervisor{}, &fakeEnvs{}, &recordingPolicy{}, nil)
	assert.Error(t, err)
}

func TestWorker_UpdateParamsRejectsOlderSnapshot(t *testing.T) {
	w, _, _ := newTestWorker(t, &fakeEnvs{})
	ctx := context.Background()

	require.NoError(t, w.UpdateParams(ctx, core.NewSnapshot(3, core.Parameters{"q/a": {1}})))
	assert.NoError(t, w.UpdateParams(ctx, core.NewSnapshot(3, core.Parameters{"q/a": {1}})))
	err := w.UpdateParams(ctx, core.NewSnapshot(2, core.Parameters{"q/a": {0}}))

	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Equal(t, int64(3), w.Version())
	assert.Equal(t, []float64{1}, w.policy.Parameters()["q/a"])
}

func TestWorker_UpdateParamsCopiesSnapshot(t *testing.T) {
	w, _, _ := newTestWorker(t, &fakeEnvs{})
	snap := core.NewSnapshot(1, core.Parameters{"q/a": {1, 2}})
	require.NoError(t, w.UpdateParams(context.Background(), snap))

	snap.Params["q/a"][0] = 99
	assert.Equal(t, []float64{1, 2}, w.policy.Parameters()["q/a"])
}

func TestWorker_RolloutRefusesStaleVersion(t *testing.T) {
	envs := &fakeEnvs{}
	w, pool, _ := newTestWorker(t, envs)
	require.NoError(t, w.UpdateParams(context.Background(), core.NewSnapshot(1, nil)))

	_, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 1, MinVersion: 2})

	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Zero(t, envs.attached())
	assert.Empty(t, pool.Leased())
}

func TestWorker_RolloutPlaysEpisodes(t *testing.T) {
	envs := &fakeEnvs{}
	w, pool, _ := newTestWorker(t, envs)
	ctx := context.Background()
	require.NoError(t, w.UpdateParams(ctx, core.NewSnapshot(4, nil)))

	res, err := w.Rollout(ctx, core.RolloutJob{JobID: "j-1", Iteration: 7, Episodes: 2, Epsilon: 0.5, MinVersion: 4})
	require.NoError(t, err)

	assert.Equal(t, "j-1", res.JobID)
	assert.Equal(t, "w-0", res.WorkerID)
	assert.Equal(t, int64(4), res.Version)
	require.Len(t, res.Episodes, 2)
	for i, ep := range res.Episodes {
		assert.Equal(t, i, ep.Episode)
		assert.Equal(t, core.CauseTrackExit, ep.Cause)
		assert.Len(t, ep.Transitions, 3)
	}
	assert.Equal(t, []int{3, 3}, w.Scores())
	assert.Equal(t, 1, envs.attached())
	assert.Equal(t, []int{9091}, pool.Leased())
}

func TestWorker_RestartsSimulatorAfterEnvironmentError(t *testing.T) {
	envs := &fakeEnvs{failFirst: true}
	w, _, sup := newTestWorker(t, envs)

	res, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 2})
	require.NoError(t, err)

	require.Len(t, res.Episodes, 2)
	assert.Equal(t, core.CauseError, res.Episodes[0].Cause)
	assert.True(t, res.Episodes[0].Failed())
	assert.Equal(t, core.CauseTrackExit, res.Episodes[1].Cause)
	assert.Equal(t, 1, sup.Restarts())
	assert.Equal(t, 2, envs.attached())
	assert.True(t, envs.envs[0].closed)
}

func TestWorker_ReleasesWhenSimulatorKilledOutOfBand(t *testing.T) {
	envs := &fakeEnvs{}
	w, pool, sup := newTestWorker(t, envs)
	require.NoError(t, w.Start(context.Background()))
	port := sup.Handle().Port()

	pool.Kill(port)
	_, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 1})

	require.NoError(t, err)
	assert.Equal(t, 1, sup.Restarts())
	assert.Equal(t, 2, envs.attached())
	assert.Equal(t, []int{port}, pool.Leased())
}

func TestWorker_AttachFailureIsReturned(t *testing.T) {
	envs := &fakeEnvs{err: errors.New("no telemetry")}
	w, _, _ := newTestWorker(t, envs)

	res, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 3})

	assert.ErrorContains(t, err, "no telemetry")
	assert.Empty(t, res.Episodes)
}

func TestWorker_PastDeadlineRunsNothing(t *testing.T) {
	envs := &fakeEnvs{}
	w, _, _ := newTestWorker(t, envs)

	_, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 1, Deadline: time.Now().Add(-time.Second)})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, envs.attached())
}

func TestWorker_DisconnectReleasesLease(t *testing.T) {
	envs := &fakeEnvs{}
	w, pool, sup := newTestWorker(t, envs)
	require.NoError(t, w.Start(context.Background()))
	require.Len(t, pool.Leased(), 1)

	w.Disconnected()

	assert.Empty(t, pool.Leased())
	assert.Nil(t, sup.Handle())
	assert.True(t, envs.envs[0].closed)

	_, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 1})
	require.NoError(t, err)
	assert.Len(t, pool.Leased(), 1)
}

func TestWorker_CloseWithCauseKillsLease(t *testing.T) {
	w, pool, _ := newTestWorker(t, &fakeEnvs{})
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Close(context.Background(), errors.New("shutting down")))

	assert.Empty(t, pool.Leased())
	assert.NoError(t, w.Close(context.Background(), nil))
}

func TestWorker_DisconnectAfterShutdownCloseDoesNotRelease(t *testing.T) {
	w, pool, _, metrics := newMeteredWorker(t, &fakeEnvs{})
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Close(context.Background(), ErrShuttingDown))
	w.Disconnected()

	assert.Empty(t, pool.Leased())
	assert.Equal(t, 1.0, requests(metrics, broker.KindKill))
	assert.Equal(t, 0.0, requests(metrics, broker.KindRelease))
}

func TestWorker_ShutdownKillsEvenWhenDisconnectedFirst(t *testing.T) {
	w, pool, sup, metrics := newMeteredWorker(t, &fakeEnvs{})
	require.NoError(t, w.Start(context.Background()))

	w.BeginShutdown()
	w.Disconnected()
	assert.Len(t, pool.Leased(), 1, "lease is kept for the final close")
	assert.NotNil(t, sup.Handle())

	_, err := w.Rollout(context.Background(), core.RolloutJob{JobID: "j", Episodes: 1})
	assert.ErrorIs(t, err, ErrShuttingDown)

	require.NoError(t, w.Close(context.Background(), ErrShuttingDown))
	assert.Empty(t, pool.Leased())
	assert.Equal(t, 1.0, requests(metrics, broker.KindKill))
	assert.Equal(t, 0.0, requests(metrics, broker.KindRelease))
}
