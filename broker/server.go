package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// IOTimeout bounds each connection, including a launch triggered by an
	// acquire.
	IOTimeout time.Duration `yaml:"io_timeout" json:"io_timeout"`
}

// Server answers exactly one request per TCP connection.
type Server struct {
	pool    *Pool
	config  ServerConfig
	metrics *Metrics
	logger  *logrus.Entry
	wg      sync.WaitGroup
}

func NewServer(pool *Pool, config ServerConfig, metrics *Metrics, logger *logrus.Entry) *Server {
	if config.IOTimeout <= 0 {
		config.IOTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		pool:    pool,
		config:  config,
		metrics: metrics,
		logger:  logger.WithField("component", "broker"),
	}
}

// Serve accepts connections until ctx is done, then waits for in-flight
// exchanges.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("broker listening")
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	conn.SetDeadline(start.Add(s.config.IOTimeout))
	ctx, cancel := context.WithTimeout(ctx, s.config.IOTimeout)
	defer cancel()

	log := s.logger.WithField("remote", conn.RemoteAddr().String())

	var req Request
	var resp Response
	dec := json.NewDecoder(io.LimitReader(conn, maxMessageBytes))
	if err := dec.Decode(&req); err != nil {
		log.WithError(err).Warn("malformed request")
		resp = failResponse(StatusError, "malformed request")
	} else {
		resp = s.pool.Handle(ctx, req)
	}

	took := time.Since(start)
	s.metrics.observe(req.Kind, resp.Status, took)
	log.WithFields(logrus.Fields{
		"request":    req.String(),
		"result":     resp.Status,
		"latency_ms": took.Milliseconds(),
	}).Debug("handled")

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.WithError(err).Warn("writing response")
	}
}
