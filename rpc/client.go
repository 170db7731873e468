package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type ClientConfig struct {
	// URL of the worker endpoint, e.g. ws://10.0.0.5:7070/ws.
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token" json:"-"`
	// Timeout caps a call when the caller's context has no deadline.
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	out.URL = strings.TrimSpace(out.URL)
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Minute
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	return out
}

type callResult struct {
	Result json.RawMessage
	Err    error
}

// Client is the coordinator side of one worker connection. It dials lazily
// and redials on the next call after the connection drops.
type Client struct {
	cfg    ClientConfig
	logger *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	workerID string
	closed   bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult
}

func NewClient(cfg ClientConfig, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger.WithFields(logrus.Fields{"component": "rpc_client", "url": cfg.URL}),
		pending: make(map[string]chan callResult),
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WorkerID is the id announced by the worker in its welcome message.
func (c *Client) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// Connect dials the worker unless already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	c.logger.WithField("worker_id", c.workerID).Debug("connected")
	return conn, nil
}

func (c *Client) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	defer conn.SetReadDeadline(time.Time{})
	if err := conn.WriteJSON(helloMessage{Type: "hello", Token: c.cfg.Token, Client: "coordinator", Version: protocolVersion}); err != nil {
		return err
	}
	var welcome welcomeMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	if welcome.Version != protocolVersion {
		return fmt.Errorf("protocol version %d, want %d", welcome.Version, protocolVersion)
	}
	c.workerID = welcome.WorkerID
	return nil
}

// Call sends one request and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.writeJSON(conn, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		forget()
		c.drop(conn)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	select {
	case <-callCtx.Done():
		forget()
		return callCtx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if out == nil || len(res.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			break
		}
		if resp.ID == "" {
			continue
		}
		out := callResult{Result: resp.Result}
		if resp.Error != nil {
			out.Err = resp.Error
		}
		c.pendingMu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- out
		}
	}
	c.drop(conn)
}

// drop forgets conn if it is still current and fails every pending call.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	if current {
		c.logger.Debug("connection dropped")
		c.failAllPending(ErrNotConnected)
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{Err: err}
	}
}

// Close drops the connection and refuses further calls.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	c.failAllPending(ErrNotConnected)
	if conn == nil {
		return nil
	}
	// best effort close handshake
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}
