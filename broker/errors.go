package broker

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted = errors.New("simulator pool exhausted")
	ErrUnauthorized  = errors.New("invalid broker credential")
	// ErrAcquireIndeterminate is returned when an acquire request was written
	// but no usable answer came back. A port may or may not have been
	// granted, so the request must not be retried blindly.
	ErrAcquireIndeterminate = errors.New("acquire outcome unknown")
	ErrUnreachable          = errors.New("broker unreachable")
	ErrLeaseClosed          = errors.New("lease already closed")
	ErrSimulatorDead        = errors.New("simulator not alive")
)

// NotAcquiredError is an explicit refusal from the broker: the response came
// back with a null port.
type NotAcquiredError struct {
	Status string
	Reason string
}

func (e *NotAcquiredError) Error() string {
	return fmt.Sprintf("simulator not acquired: status=%s reason=%s", e.Status, e.Reason)
}

func (e *NotAcquiredError) Is(target error) bool {
	return statusIs(e.Status, target)
}

// RequestError is a non ok answer to ping, release or kill.
type RequestError struct {
	Kind   Kind
	Port   int
	Status string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("broker %s(%d) failed: status=%s reason=%s", e.Kind, e.Port, e.Status, e.Reason)
}

func (e *RequestError) Is(target error) bool {
	return statusIs(e.Status, target)
}

func statusIs(status string, target error) bool {
	switch status {
	case StatusExhausted:
		return target == ErrPoolExhausted
	case StatusUnauthorized:
		return target == ErrUnauthorized
	case StatusDead:
		return target == ErrSimulatorDead
	}
	return false
}
