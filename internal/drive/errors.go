// Package drive provides a typed client for the Aliyun Drive JSON API
// with token lifecycle management, automatic retry, and error classification.
package drive

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for API error classification.
// Use errors.Is(err, drive.ErrNotFound) to check.
var (
	ErrNotFound       = errors.New("drive: not found")
	ErrUnauthorized   = errors.New("drive: unauthorized")
	ErrForbidden      = errors.New("drive: forbidden")
	ErrExist          = errors.New("drive: already exists")
	ErrNotImplemented = errors.New("drive: not implemented")
	ErrServerError    = errors.New("drive: server error")

	// ErrNoCredential means no refresh token was available at startup.
	ErrNoCredential = errors.New("drive: no refresh token provided")

	// ErrNotAuthorized means no refresh has ever succeeded, so there is no
	// access token to attach to a request.
	ErrNotAuthorized = errors.New("drive: missing access token")
)

// APIError wraps a sentinel error with the upstream HTTP status code and the
// response body for debugging. Bodies are logged at debug level only and
// never surfaced to WebDAV clients.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("drive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrExist
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryableStatus reports whether a status code warrants the single
// wait-and-retry pass. 401 is handled separately via token refresh.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
