package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const protocolVersion = 1

const (
	MethodUpdateParams = "worker.update_params"
	MethodRollout      = "worker.rollout"
)

// JSON-RPC error codes used on the wire.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeHandler        = -32000
)

var ErrNotConnected = errors.New("worker is not connected")

type helloMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Client  string `json:"client,omitempty"`
	Version int    `json:"version,omitempty"`
}

type welcomeMessage struct {
	Type     string `json:"type"`
	Version  int    `json:"version"`
	WorkerID string `json:"worker_id,omitempty"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// RemoteError is an error returned by the handler on the other side.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type updateAck struct {
	Version int64 `json:"version"`
}

func isHello(h helloMessage) bool {
	return strings.ToLower(strings.TrimSpace(h.Type)) == "hello"
}
