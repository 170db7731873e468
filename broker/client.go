package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	erand "golang.org/x/exp/rand"
)

type ClientConfig struct {
	Addr       string        `yaml:"addr" json:"addr"`
	Credential string        `yaml:"credential" json:"-"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

type Client struct {
	config ClientConfig
	logger *logrus.Entry

	rngMtx sync.Mutex
	rng    *erand.Rand
}

func NewClient(config ClientConfig, logger *logrus.Entry) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		config: config,
		logger: logger.WithField("component", "broker_client"),
		rng:    erand.New(erand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

// exchange runs one connect, send, receive, close cycle. sent reports
// whether the request may have reached the broker.
func (c *Client) exchange(ctx context.Context, req Request) (resp Response, sent bool, err error) {
	req.Credential = c.config.Credential
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return Response{}, false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, true, fmt.Errorf("sending %s: %w", req, err)
	}
	if err := json.NewDecoder(io.LimitReader(conn, maxMessageBytes)).Decode(&resp); err != nil {
		return Response{}, true, fmt.Errorf("reading %s response: %w", req, err)
	}
	return resp, true, nil
}

// Acquire asks for one simulator. A refusal comes back as *NotAcquiredError.
func (c *Client) Acquire(ctx context.Context) (int, error) {
	resp, sent, err := c.exchange(ctx, Request{Kind: KindAcquire})
	if err != nil {
		if sent {
			return 0, fmt.Errorf("%w: %v", ErrAcquireIndeterminate, err)
		}
		return 0, err
	}
	if resp.SimPort == nil {
		return 0, &NotAcquiredError{Status: resp.Status, Reason: resp.Error}
	}
	return *resp.SimPort, nil
}

func (c *Client) Ping(ctx context.Context, port int) error {
	return c.portRequest(ctx, KindPing, port)
}

// Release is idempotent on the broker side.
func (c *Client) Release(ctx context.Context, port int) error {
	return c.portRequest(ctx, KindRelease, port)
}

func (c *Client) Kill(ctx context.Context, port int) error {
	return c.portRequest(ctx, KindKill, port)
}

func (c *Client) portRequest(ctx context.Context, kind Kind, port int) error {
	resp, _, err := c.exchange(ctx, Request{Kind: kind, Port: intPtr(port)})
	if err != nil {
		return err
	}
	if resp.Status != StatusOK && resp.Status != "" {
		return &RequestError{Kind: kind, Port: port, Status: resp.Status, Reason: resp.Error}
	}
	return nil
}

type RetryOptions struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	MinRetry     time.Duration `yaml:"min_retry" json:"min_retry"`
	MaxRetry     time.Duration `yaml:"max_retry" json:"max_retry"`
	JitterFrac   float64       `yaml:"jitter_frac" json:"jitter_frac"`
	MaxTotalWait time.Duration `yaml:"max_total_wait" json:"max_total_wait"`
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   10,
		MinRetry:     200 * time.Millisecond,
		MaxRetry:     5 * time.Second,
		JitterFrac:   0.2,
		MaxTotalWait: 2 * time.Minute,
	}
}

// AcquireWithRetry retries with backoff only when nothing was granted for
// sure: the pool answered exhausted or the broker could not be reached.
// Unauthorized and indeterminate outcomes return immediately.
func (c *Client) AcquireWithRetry(ctx context.Context, opt RetryOptions) (int, error) {
	if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			break
		}
		port, err := c.Acquire(ctx)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, ErrPoolExhausted) && !errors.Is(err, ErrUnreachable) {
			return 0, err
		}
		lastErr = err
		c.logger.WithError(err).WithField("attempt", attempt).Debug("acquire refused, backing off")

		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = c.jitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("acquire failed")
	}
	return 0, fmt.Errorf("giving up after %s: %w", time.Since(start).Round(time.Millisecond), lastErr)
}

func (c *Client) jitter(d time.Duration, frac float64) time.Duration {
	c.rngMtx.Lock()
	j := (c.rng.Float64()*2 - 1) * frac
	c.rngMtx.Unlock()
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
