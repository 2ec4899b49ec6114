package realtime

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("session closed")

// ConnectError marks a failure to establish or keep the remote session.
// Retryable: the supervisor reopens the session with backoff.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("failed to connect: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError marks a remote rejection of the session configuration or a
// malformed event. Not retryable: the same configuration would fail again.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("protocol error: %s", e.Message)
	}
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// TimeoutError marks a missing response within the configured bound. It is
// treated exactly like a connection drop.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// IsRetryable reports whether the supervisor should reopen the session after
// this error. Protocol and device failures are final.
func IsRetryable(err error) bool {
	var connectErr *ConnectError
	var timeoutErr *TimeoutError
	return errors.As(err, &connectErr) || errors.As(err, &timeoutErr)
}
