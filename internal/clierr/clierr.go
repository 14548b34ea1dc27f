// Package clierr defines the failure classes shared by the transport, exec and forward layers
// and how each one maps to a process exit code.
package clierr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned when the platform rejects the credentials (HTTP 401).
	ErrAuthRequired = errors.New("authentication required")
	// ErrInterrupted is returned when the operator cancels the invocation locally.
	ErrInterrupted = errors.New("interrupted")
)

// ConnectionError means the transport could not be established or maintained. Fatal, never retried.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidArgument is reported before any network activity.
type InvalidArgument struct {
	Arg    string
	Reason string
}

func (e *InvalidArgument) Error() string {
	if e.Arg == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Arg)
}

// StreamRelayError is confined to one logical stream of a forwarding tunnel.
type StreamRelayError struct {
	Stream string
	Err    error
}

func (e *StreamRelayError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Stream, e.Err)
}

func (e *StreamRelayError) Unwrap() error { return e.Err }

// ProtocolViolation reports a frame that cannot be encoded or decoded.
type ProtocolViolation struct {
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation: " + e.Detail
}

// Connection wraps err as a ConnectionError unless it already is one.
func Connection(op string, err error) error {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

// Invalid builds an InvalidArgument.
func Invalid(arg, reason string) error {
	return &InvalidArgument{Arg: arg, Reason: reason}
}

// ExitCode maps an invocation result to the process exit status. An operator interrupt is a
// normal way to leave a session and exits 0.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrInterrupted):
		return 0
	default:
		return 1
	}
}
