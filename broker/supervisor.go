package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Supervisor keeps one live lease for its owner. A failed ping is answered
// with kill then re-acquire; only a failed re-acquire is escalated.
type Supervisor struct {
	client *Client
	opts   LeaseOptions
	logger *logrus.Entry

	mtx      sync.Mutex
	handle   *Handle
	restarts int
}

func NewSupervisor(client *Client, opts LeaseOptions, logger *logrus.Entry) *Supervisor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		client: client,
		opts:   opts,
		logger: logger.WithField("component", "supervisor"),
	}
}

// Start leases a simulator unless one is already held.
func (s *Supervisor) Start(ctx context.Context) (*Handle, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.handle != nil && !s.handle.Closed() {
		return s.handle, nil
	}
	return s.leaseLocked(ctx)
}

func (s *Supervisor) leaseLocked(ctx context.Context) (*Handle, error) {
	h, err := Lease(ctx, s.client, s.opts)
	if err != nil {
		s.handle = nil
		return nil, fmt.Errorf("leasing simulator: %w", err)
	}
	s.handle = h
	s.logger.WithField("port", h.Port()).Info("simulator leased")
	return h, nil
}

func (s *Supervisor) Handle() *Handle {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.handle
}

func (s *Supervisor) Restarts() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.restarts
}

// Check pings the held simulator and restarts it when the ping fails. It
// reports whether a restart happened.
func (s *Supervisor) Check(ctx context.Context) (*Handle, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.handle == nil || s.handle.Closed() {
		h, err := s.leaseLocked(ctx)
		return h, true, err
	}
	err := s.handle.Ping(ctx)
	if err == nil {
		return s.handle, false, nil
	}
	s.logger.WithError(err).WithField("port", s.handle.Port()).Warn("simulator ping failed, restarting")
	h, err := s.restartLocked(ctx)
	return h, true, err
}

// Restart kills the held simulator and leases a fresh one.
func (s *Supervisor) Restart(ctx context.Context) (*Handle, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.restartLocked(ctx)
}

// restartLocked keeps the old handle when its kill does not go through, so
// the port is never abandoned while the broker still holds it.
func (s *Supervisor) restartLocked(ctx context.Context) (*Handle, error) {
	if s.handle != nil {
		if err := s.handle.Kill(ctx); err != nil && !s.handle.Closed() {
			return nil, fmt.Errorf("killing simulator before restart: %w", err)
		}
	}
	s.restarts++
	return s.leaseLocked(ctx)
}

// Stop gives the lease back: released when cause is nil, killed otherwise.
// The handle is kept when the broker could not be reached, so Stop can be
// called again.
func (s *Supervisor) Stop(ctx context.Context, cause error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close(ctx, cause)
	if s.handle.Closed() {
		s.handle = nil
	}
	return err
}
