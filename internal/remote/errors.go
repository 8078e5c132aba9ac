package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Error is a failed remote call. Err is one of types.ErrNotAuthorized,
// types.ErrRemoteUnavailable or types.ErrRemoteRejected so callers can branch
// with errors.Is. StatusCode is zero when no response was received.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Method, e.Path)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying later may succeed.
func (e *Error) Transient() bool {
	return errors.Is(e.Err, types.ErrRemoteUnavailable)
}

// classify maps an HTTP status to the error taxonomy.
func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.ErrNotAuthorized
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return types.ErrRemoteUnavailable
	}
	return types.ErrRemoteRejected
}

// IsNotAuthorized reports whether err is an authorization failure.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, types.ErrNotAuthorized)
}
