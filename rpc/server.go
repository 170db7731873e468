package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zeu5/dist-rl-driving/core"
)

// Handler is the worker side of the coordinator protocol.
type Handler interface {
	ID() string
	UpdateParams(ctx context.Context, snapshot core.Snapshot) error
	Rollout(ctx context.Context, job core.RolloutJob) (core.RolloutResult, error)
}

// DisconnectHandler is notified when the coordinator connection drops.
type DisconnectHandler interface {
	Disconnected()
}

type ServerConfig struct {
	Token string `yaml:"token" json:"-"`
}

// Server accepts one coordinator connection at a time on /ws. A new
// connection replaces the previous one. Each connection carries its own
// context, cancelled when the connection goes away, which is the context
// every request from it runs under.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *logrus.Entry

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func NewServer(cfg ServerConfig, handler Handler, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithField("component", "rpc_server"),
	}
}

// Mux returns an http.Handler serving the protocol on /ws.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	return mux
}

func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.accept(conn); err != nil {
		s.logger.WithError(err).Warn("rejecting coordinator connection")
		_ = conn.Close()
	}
}

func (s *Server) accept(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello helloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if !isHello(hello) {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if s.cfg.Token != "" && hello.Token != s.cfg.Token {
		return errors.New("unauthorized")
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err := s.writeJSON(conn, welcomeMessage{Type: "welcome", Version: protocolVersion, WorkerID: s.handler.ID()}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.cancel()
	}
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.WithField("client", hello.Client).Info("coordinator connected")
	go s.readLoop(ctx, cancel, conn)
	return nil
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	var wg sync.WaitGroup
	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.dispatch(ctx, req)
			if err := s.writeJSON(conn, resp); err != nil {
				s.logger.WithError(err).WithField("method", req.Method).Debug("writing response")
			}
		}()
	}
	cancel()

	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
		s.cancel = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	wg.Wait()

	if current {
		s.logger.Warn("coordinator disconnected")
		if d, ok := s.handler.(DisconnectHandler); ok {
			d.Disconnected()
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	fail := func(code int, err error) rpcResponse {
		resp.Error = &RemoteError{Code: code, Message: err.Error()}
		return resp
	}

	var result interface{}
	switch req.Method {
	case MethodUpdateParams:
		var snap core.Snapshot
		if err := json.Unmarshal(req.Params, &snap); err != nil {
			return fail(CodeInvalidParams, err)
		}
		if err := s.handler.UpdateParams(ctx, snap); err != nil {
			return fail(CodeHandler, err)
		}
		result = updateAck{Version: snap.Version}
	case MethodRollout:
		var job core.RolloutJob
		if err := json.Unmarshal(req.Params, &job); err != nil {
			return fail(CodeInvalidParams, err)
		}
		out, err := s.handler.Rollout(ctx, job)
		if err != nil {
			return fail(CodeHandler, err)
		}
		result = out
	default:
		return fail(CodeMethodNotFound, fmt.Errorf("method %q not found", req.Method))
	}

	bs, err := json.Marshal(result)
	if err != nil {
		return fail(CodeHandler, fmt.Errorf("encoding result: %w", err))
	}
	resp.Result = bs
	return resp
}

// Close drops the current connection.
func (s *Server) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}
