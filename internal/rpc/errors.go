package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// ErrNoInstanceID is returned when the control plane assigns an empty id.
var ErrNoInstanceID = errors.New("control plane returned an empty instance id")

// TransportError is a failed control-plane call. StatusCode is the HTTP
// status and Code the gRPC code; either may be zero when the call never got
// a response.
type TransportError struct {
	Op         string
	StatusCode int
	Code       codes.Code
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("rpc %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Code != codes.OK:
		return fmt.Sprintf("rpc %s: %s: %v", e.Op, e.Code, e.Err)
	default:
		return fmt.Sprintf("rpc %s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call may succeed: the server was
// unreachable, overloaded or failed internally.
func (e *TransportError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	if e.StatusCode != 0 {
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
	}
	switch e.Code {
	case codes.OK:
		// No response at all: network failure or timeout.
		return true
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}
