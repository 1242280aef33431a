package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrInvalidState reports an operation that the task lifecycle no longer
// permits, such as running a task twice or rebinding it after commit.
var ErrInvalidState = errors.New("task: invalid state")

// InvalidArgumentError marks a client mistake. The task answers 400 and the
// message is shown to the caller.
type InvalidArgumentError struct {
	Message string
	Err     error
}

func (e *InvalidArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task: invalid argument: %s: %v", e.Message, e.Err)
	}
	return "task: invalid argument: " + e.Message
}

func (e *InvalidArgumentError) Unwrap() error { return e.Err }

// InvalidArgument builds an InvalidArgumentError from a format string.
func InvalidArgument(format string, args ...any) error {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}

// StatusError lets a producer pick the response status for a failure it
// understands (missing source, oversized input, unreachable upstream).
type StatusError struct {
	Status  int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Status)
	if e.Message != "" {
		text = e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("task: %d %s: %v", e.Status, text, e.Err)
	}
	return fmt.Sprintf("task: %d %s", e.Status, text)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError wraps cause with an explicit response status.
func NewStatusError(status int, message string, cause error) error {
	return &StatusError{Status: status, Message: message, Err: cause}
}

// isIOError reports failures of the client connection. Nothing more can be
// sent once one of these surfaces.
func isIOError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, http.ErrHandlerTimeout),
		errors.Is(err, http.ErrAbortHandler):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
