package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

type LeaseOptions struct {
	Retry RetryOptions `yaml:"retry" json:"retry"`
	// SimHost is where leased simulators are reachable.
	SimHost string `yaml:"sim_host" json:"sim_host"`
	// WaitReady bounds the wait for the simulator port to accept
	// connections after acquiring; zero skips it.
	WaitReady time.Duration `yaml:"wait_ready" json:"wait_ready"`
}

// Handle owns exactly one leased port. It is released or killed once the
// broker has answered; later calls are no-ops. A call that never reached the
// broker leaves the handle open so it can be retried.
type Handle struct {
	client *Client
	port   int
	host   string

	mtx    sync.Mutex
	closed chan struct{}
}

// Lease acquires a simulator with bounded retry and optionally waits for it
// to come up. A simulator that never comes up is killed before returning.
func Lease(ctx context.Context, client *Client, opts LeaseOptions) (*Handle, error) {
	port, err := client.AcquireWithRetry(ctx, opts.Retry)
	if err != nil {
		return nil, err
	}
	host := opts.SimHost
	if host == "" {
		host = "127.0.0.1"
	}
	h := &Handle{client: client, port: port, host: host, closed: make(chan struct{})}
	if opts.WaitReady > 0 {
		if err := WaitForPort(ctx, h.Addr(), opts.WaitReady); err != nil {
			h.Kill(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return h, nil
}

func (h *Handle) Port() int {
	return h.port
}

func (h *Handle) Addr() string {
	return net.JoinHostPort(h.host, strconv.Itoa(h.port))
}

func (h *Handle) Closed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *Handle) Ping(ctx context.Context) error {
	if h.Closed() {
		return ErrLeaseClosed
	}
	return h.client.Ping(ctx, h.port)
}

func (h *Handle) Release(ctx context.Context) error {
	return h.finish(ctx, KindRelease)
}

func (h *Handle) Kill(ctx context.Context) error {
	return h.finish(ctx, KindKill)
}

// Close releases the lease after a normal exit and kills it when cause is
// non-nil.
func (h *Handle) Close(ctx context.Context, cause error) error {
	if cause != nil {
		return h.Kill(ctx)
	}
	return h.Release(ctx)
}

func (h *Handle) finish(ctx context.Context, kind Kind) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.Closed() {
		return nil
	}
	var err error
	if kind == KindKill {
		err = h.client.Kill(ctx, h.port)
	} else {
		err = h.client.Release(ctx, h.port)
	}
	var reqErr *RequestError
	if err == nil || (errors.As(err, &reqErr) && reqErr.Status == StatusUnknownPort) {
		close(h.closed)
	}
	if err != nil {
		return fmt.Errorf("%s port %d: %w", kind, h.port, err)
	}
	return nil
}
