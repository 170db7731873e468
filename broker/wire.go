package broker

import "fmt"

// Kind is the request kind carried in the "req" field.
type Kind string

const (
	KindAcquire Kind = "acquire"
	KindPing    Kind = "ping"
	KindRelease Kind = "release"
	KindKill    Kind = "kill"
)

// Status values carried in a response. A null sim_port together with a non
// ok status means the request failed.
const (
	StatusOK           = "ok"
	StatusExhausted    = "exhausted"
	StatusUnauthorized = "unauthorized"
	StatusUnknownPort  = "unknown_port"
	StatusDead         = "dead"
	StatusLaunchFailed = "launch_failed"
	StatusError        = "error"
)

// maxMessageBytes bounds a single request or response on the wire.
const maxMessageBytes = 64 << 10

// Request is the envelope shared by all four request kinds. Every exchange is
// one connect, send, receive, close cycle.
type Request struct {
	Credential string `json:"pass"`
	Kind       Kind   `json:"req"`
	Port       *int   `json:"port,omitempty"`
}

type Response struct {
	SimPort *int   `json:"sim_port"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r Request) String() string {
	if r.Port != nil {
		return fmt.Sprintf("%s(%d)", r.Kind, *r.Port)
	}
	return string(r.Kind)
}

func okResponse(port int) Response {
	return Response{SimPort: &port, Status: StatusOK}
}

func failResponse(status, reason string) Response {
	return Response{Status: status, Error: reason}
}

func intPtr(i int) *int {
	return &i
}
