package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrStdinNotAvailable is returned when a write requires an attached child
// stdin and there is none.
var ErrStdinNotAvailable = errors.New("child stdin not available")

// SerializationError indicates a payload that cannot be represented as JSON.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string { return fmt.Sprintf("serialization error: %s", e.Err) }
func (e *SerializationError) Unwrap() error { return e.Err }

// SendError indicates an OS-level write failure on the child's stdin.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send error: %s", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// TimeoutError is delivered to a request callback when no response arrived
// within the request's timeout.
type TimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.ID, e.Timeout)
}

// ParseError indicates a malformed inbound line.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %s", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// RemoteError carries the error string of a failed response from the child.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
