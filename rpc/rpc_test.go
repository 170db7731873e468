package rpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeu5/dist-rl-driving/core"
)

type fakeHandler struct {
	mu           sync.Mutex
	version      int64
	block        chan struct{}
	disconnected chan struct{}
	cancelled    chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{disconnected: make(chan struct{}, 4), cancelled: make(chan struct{}, 4)}
}

func (f *fakeHandler) ID() string { return "w-1" }

func (f *fakeHandler) UpdateParams(_ context.Context, snap core.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap.Version < f.version {
		return errors.New("stale snapshot")
	}
	f.version = snap.Version
	return nil
}

func (f *fakeHandler) Rollout(ctx context.Context, job core.RolloutJob) (core.RolloutResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.cancelled <- struct{}{}
			return core.RolloutResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := core.RolloutResult{JobID: job.JobID, WorkerID: "w-1", Version: f.version}
	for i := 0; i < job.Episodes; i++ {
		res.Episodes = append(res.Episodes, core.EpisodeResult{
			Episode:     i,
			Transitions: []core.Transition{{State: core.Observation{1}, Action: core.Action{0, 1}, Reward: 2}},
			Iterations:  1,
			Cause:       core.CauseTrackExit,
		})
	}
	return res, nil
}

func (f *fakeHandler) Disconnected() {
	f.disconnected <- struct{}{}
}

func startWorker(t *testing.T, handler Handler, token string) (*Server, string) {
	t.Helper()
	server := NewServer(ServerConfig{Token: token}, handler, nil)
	ts := httptest.NewServer(server.Mux())
	t.Cleanup(ts.Close)
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestWorkerClient_UpdateAndRollout(t *testing.T) {
	handler := newFakeHandler()
	_, url := startWorker(t, handler, "tok")
	wc := NewWorkerClient("w-1", ClientConfig{URL: url, Token: "tok", Timeout: 2 * time.Second}, nil)
	defer wc.Close()
	ctx := context.Background()

	require.NoError(t, wc.UpdateParams(ctx, core.NewSnapshot(3, core.Parameters{"w": {1}})))
	res, err := wc.Rollout(ctx, core.RolloutJob{JobID: "j1", Episodes: 2, MinVersion: 3})

	require.NoError(t, err)
	assert.Equal(t, "j1", res.JobID)
	assert.Equal(t, int64(3), res.Version)
	require.Len(t, res.Episodes, 2)
	assert.Equal(t, core.CauseTrackExit, res.Episodes[0].Cause)
	assert.Equal(t, float32(2), res.Episodes[0].Transitions[0].Reward)
	assert.Equal(t, "w-1", wc.client.WorkerID())
}

func TestClient_RemoteErrorIsTyped(t *testing.T) {
	handler := newFakeHandler()
	_, url := startWorker(t, handler, "")
	wc := NewWorkerClient("w-1", ClientConfig{URL: url}, nil)
	defer wc.Close()
	ctx := context.Background()
	require.NoError(t, wc.UpdateParams(ctx, core.NewSnapshot(5, nil)))

	err := wc.UpdateParams(ctx, core.NewSnapshot(4, nil))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeHandler, remote.Code)
	assert.Contains(t, remote.Message, "stale")

	err = wc.client.Call(ctx, "worker.reboot", nil, nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeMethodNotFound, remote.Code)
}

func TestClient_BadTokenIsNotConnected(t *testing.T) {
	_, url := startWorker(t, newFakeHandler(), "expected")
	wc := NewWorkerClient("w-1", ClientConfig{URL: url, Token: "wrong", DialTimeout: time.Second}, nil)
	defer wc.Close()

	err := wc.UpdateParams(context.Background(), core.NewSnapshot(1, nil))

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_UnreachableWorker(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()
	wc := NewWorkerClient("w-1", ClientConfig{URL: url, DialTimeout: time.Second}, nil)

	_, err := wc.Rollout(context.Background(), core.RolloutJob{})

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CallTimeoutCancelsWorkerSide(t *testing.T) {
	handler := newFakeHandler()
	handler.block = make(chan struct{})
	server, url := startWorker(t, handler, "")
	wc := NewWorkerClient("w-1", ClientConfig{URL: url}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := wc.Rollout(ctx, core.RolloutJob{Episodes: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// closing the coordinator side cancels the in-flight rollout and
	// notifies the handler
	require.NoError(t, wc.Close())
	select {
	case <-handler.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("rollout was not cancelled")
	}
	select {
	case <-handler.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not told about the disconnect")
	}
	assert.Eventually(t, func() bool { return !server.Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_DisconnectFailsPendingAndRedials(t *testing.T) {
	handler := newFakeHandler()
	handler.block = make(chan struct{})
	server, url := startWorker(t, handler, "")
	wc := NewWorkerClient("w-1", ClientConfig{URL: url, Timeout: 5 * time.Second}, nil)
	defer wc.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := wc.Rollout(context.Background(), core.RolloutJob{Episodes: 1})
		errCh <- err
	}()
	require.Eventually(t, server.Connected, 2*time.Second, 10*time.Millisecond)
	server.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}

	close(handler.block)
	require.Eventually(t, func() bool { return !wc.client.Connected() }, 2*time.Second, 10*time.Millisecond)
	res, err := wc.Rollout(context.Background(), core.RolloutJob{JobID: "again", Episodes: 1})
	require.NoError(t, err)
	assert.Equal(t, "again", res.JobID)
}

func TestServer_NewConnectionReplacesOld(t *testing.T) {
	handler := newFakeHandler()
	server, url := startWorker(t, handler, "")
	first := NewClient(ClientConfig{URL: url}, nil)
	second := NewClient(ClientConfig{URL: url}, nil)
	defer first.Close()
	defer second.Close()
	ctx := context.Background()

	require.NoError(t, first.Connect(ctx))
	require.NoError(t, second.Connect(ctx))

	assert.Eventually(t, func() bool { return !first.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, server.Connected())
	assert.NoError(t, second.Call(ctx, MethodUpdateParams, core.NewSnapshot(1, nil), nil))
	assert.Empty(t, handler.disconnected, "replacing a connection is not a disconnect")
}

func TestServer_RejectsMissingHello(t *testing.T) {
	_, url := startWorker(t, newFakeHandler(), "")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "call"}))
	var welcome welcomeMessage
	assert.Error(t, conn.ReadJSON(&welcome))
}
