package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	erand "golang.org/x/exp/rand"
)

type fakeProcess struct {
	mtx     sync.Mutex
	alive   bool
	stopped int
}

func (p *fakeProcess) Alive() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.alive
}

func (p *fakeProcess) Stop() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.alive = false
	p.stopped++
	return nil
}

func (p *fakeProcess) crash() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.alive = false
}

type fakeLauncher struct {
	mtx    sync.Mutex
	procs  map[int][]*fakeProcess
	failOn map[int]bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(map[int][]*fakeProcess), failOn: make(map[int]bool)}
}

func (l *fakeLauncher) Start(_ context.Context, port int) (Process, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.failOn[port] {
		return nil, errors.New("no display")
	}
	p := &fakeProcess{alive: true}
	l.procs[port] = append(l.procs[port], p)
	return p, nil
}

func (l *fakeLauncher) started(port int) []*fakeProcess {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.procs[port]
}

func newTestPool(t *testing.T, size int, launcher Launcher) (*Pool, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	pool, err := NewPool(PoolConfig{Credential: "secret", BasePort: 9091, Size: size}, launcher, metrics, nil)
	require.NoError(t, err)
	return pool, metrics
}

func TestNewPool_Validates(t *testing.T) {
	_, err := NewPool(PoolConfig{BasePort: 9091, Size: 0}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewPool(PoolConfig{BasePort: 65535, Size: 2}, nil, nil, nil)
	assert.Error(t, err)
}

func TestPool_ThirdAcquireOfTwoReturnsNullPort(t *testing.T) {
	pool, metrics := newTestPool(t, 2, newFakeLauncher())
	ctx := context.Background()

	first := pool.Acquire(ctx)
	second := pool.Acquire(ctx)
	third := pool.Acquire(ctx)

	require.NotNil(t, first.SimPort)
	require.NotNil(t, second.SimPort)
	assert.NotEqual(t, *first.SimPort, *second.SimPort)
	assert.Nil(t, third.SimPort)
	assert.Equal(t, StatusExhausted, third.Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Leased))
}

func TestPool_HandleChecksCredential(t *testing.T) {
	pool, _ := newTestPool(t, 1, nil)

	resp := pool.Handle(context.Background(), Request{Credential: "wrong", Kind: KindAcquire})

	assert.Nil(t, resp.SimPort)
	assert.Equal(t, StatusUnauthorized, resp.Status)
	assert.Empty(t, pool.Leased())

	resp = pool.Handle(context.Background(), Request{Credential: "secret", Kind: KindRelease, Port: intPtr(1)})
	assert.Equal(t, StatusUnknownPort, resp.Status)

	resp = pool.Handle(context.Background(), Request{Credential: "secret", Kind: "reboot", Port: intPtr(9091)})
	assert.Equal(t, StatusError, resp.Status)
}

func TestPool_ReleaseAndKillAreIdempotent(t *testing.T) {
	launcher := newFakeLauncher()
	pool, _ := newTestPool(t, 2, launcher)
	ctx := context.Background()
	port := *pool.Acquire(ctx).SimPort

	assert.Equal(t, StatusOK, pool.Release(port).Status)
	assert.Empty(t, pool.Leased())
	assert.Equal(t, StatusOK, pool.Release(port).Status)
	assert.Empty(t, pool.Leased())
	assert.True(t, launcher.started(port)[0].Alive(), "release keeps the simulator running")

	port = *pool.Acquire(ctx).SimPort
	assert.Len(t, launcher.started(port), 1, "a released simulator is reused")
	assert.Equal(t, StatusOK, pool.Kill(port).Status)
	assert.Equal(t, StatusOK, pool.Kill(port).Status)
	assert.Empty(t, pool.Leased())
	assert.False(t, launcher.started(port)[0].Alive())

	pool.Acquire(ctx)
	assert.Len(t, launcher.started(port), 2, "a killed simulator is started again")
}

func TestPool_PingDetectsDeadSimulator(t *testing.T) {
	launcher := newFakeLauncher()
	pool, _ := newTestPool(t, 1, launcher)
	port := *pool.Acquire(context.Background()).SimPort

	assert.Equal(t, StatusOK, pool.Ping(port).Status)
	launcher.started(port)[0].crash()
	resp := pool.Ping(port)
	assert.Equal(t, StatusDead, resp.Status)
	assert.Nil(t, resp.SimPort)
}

func TestPool_LaunchFailureFreesSlot(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.failOn[9091] = true
	pool, _ := newTestPool(t, 1, launcher)

	resp := pool.Acquire(context.Background())

	assert.Nil(t, resp.SimPort)
	assert.Equal(t, StatusLaunchFailed, resp.Status)
	assert.Empty(t, pool.Leased())
}

func TestPool_NoDuplicatePortsUnderRandomOps(t *testing.T) {
	pool, _ := newTestPool(t, 4, newFakeLauncher())
	ctx := context.Background()
	rng := erand.New(erand.NewSource(3))
	held := make(map[int]bool)

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			resp := pool.Acquire(ctx)
			if resp.SimPort != nil {
				require.False(t, held[*resp.SimPort], "port %d leased twice", *resp.SimPort)
				held[*resp.SimPort] = true
			}
		case 1:
			port := 9091 + rng.Intn(4)
			pool.Release(port)
			delete(held, port)
		case 2:
			port := 9091 + rng.Intn(4)
			pool.Kill(port)
			delete(held, port)
		}
		assert.Len(t, pool.Leased(), len(held))
	}
}

func TestPool_ConcurrentAcquireNeverSharesPorts(t *testing.T) {
	pool, _ := newTestPool(t, 8, newFakeLauncher())
	var wg sync.WaitGroup
	ports := make(chan int, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := pool.Acquire(context.Background()); resp.SimPort != nil {
				ports <- *resp.SimPort
			}
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for p := range ports {
		assert.False(t, seen[p])
		seen[p] = true
	}
	assert.Len(t, seen, 8)
}

func TestPool_CloseStopsEverything(t *testing.T) {
	launcher := newFakeLauncher()
	pool, _ := newTestPool(t, 2, launcher)
	pool.Acquire(context.Background())
	pool.Acquire(context.Background())

	require.NoError(t, pool.Close())

	assert.Empty(t, pool.Leased())
	for _, port := range []int{9091, 9092} {
		assert.False(t, launcher.started(port)[0].Alive())
	}
}
