package worker

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Code is the machine-readable reason a worker failed.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeInvalidInput Code = "invalid_input"
	CodeUnsupported  Code = "unsupported"
	CodeRateLimited  Code = "rate_limited"
	CodeNoData       Code = "no_data"
	CodeUnavailable  Code = "unavailable"
	CodeTimeout      Code = "timeout"
)

// Error is the failure contract between workers and the executor.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a worker error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a reason code to an underlying error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// RateLimited reports a throttled upstream with an optional wait hint.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: msg, RetryAfter: retryAfter}
}

// AsError extracts a worker error from an error chain.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// FromHTTPStatus maps an upstream HTTP response to a worker error.
// It returns nil for 2xx responses.
func FromHTTPStatus(resp *http.Response, what string) *Error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited(fmt.Sprintf("%s throttled", what), parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Errorf(CodeNotFound, "%s: status %d", what, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Errorf(CodeInvalidInput, "%s: status %d", what, resp.StatusCode)
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return Errorf(CodeTimeout, "%s: status %d", what, resp.StatusCode)
	default:
		return Errorf(CodeUnavailable, "%s: status %d", what, resp.StatusCode)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
