package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Kind classifies a failure for retry, breaker and reporting purposes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindRateLimit
	KindAuthentication
	KindSessionExpired
	KindCircuitOpen
	KindParseFailed
	KindGradeFailed
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthentication:
		return "authentication"
	case KindSessionExpired:
		return "session_expired"
	case KindCircuitOpen:
		return "circuit_open"
	case KindParseFailed:
		return "parse_failed"
	case KindGradeFailed:
		return "grade_failed"
	default:
		return "unknown"
	}
}

// Retryable reports whether an attempt failing with this kind may be retried locally.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

// tripsBreaker reports whether the failure says something about the health of
// the remote endpoint. Semantic failures (bad parse output, auth) do not.
func (k Kind) tripsBreaker() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is a classified remote-call failure.
type Error struct {
	Kind       Kind
	Endpoint   string
	Status     int
	RetryAfter time.Duration
	CanRecover bool
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Endpoint != "" {
		msg = e.Endpoint + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, resilient.ErrCircuitOpen).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Endpoint == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrCircuitOpen    = &Error{Kind: KindCircuitOpen}
	ErrParseFailed    = &Error{Kind: KindParseFailed}
	ErrGradeFailed    = &Error{Kind: KindGradeFailed}
	ErrAuthentication = &Error{Kind: KindAuthentication}
)

// ParseFailed builds a ParseFailed error with the given reason.
func ParseFailed(reason string, err error) *Error {
	return &Error{Kind: KindParseFailed, Reason: reason, Err: err}
}

// GradeFailed builds a GradeFailed error with the given reason.
func GradeFailed(reason string, err error) *Error {
	return &Error{Kind: KindGradeFailed, Reason: reason, Err: err}
}

// ExhaustedError is returned when every permitted attempt failed with a retryable error.
type ExhaustedError struct {
	Endpoint string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Endpoint, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by transport errors that carry a server-provided delay.
type RetryAfterer interface {
	RetryAfterDelay() time.Duration
}

// KindOf returns the kind of err, classifying it when it is not already an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Classify("", err).Kind
}

// Classify maps an arbitrary error onto the failure taxonomy.
func Classify(endpoint string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		if re.Endpoint == "" && endpoint != "" {
			cp := *re
			cp.Endpoint = endpoint
			return &cp
		}
		return re
	}

	out := &Error{Kind: KindUnknown, Endpoint: endpoint, Err: err}

	var sc StatusCoder
	if errors.As(err, &sc) {
		out.Status = sc.HTTPStatus()
		out.Kind, out.CanRecover = kindForStatus(out.Status)
		var ra RetryAfterer
		if errors.As(err, &ra) {
			out.RetryAfter = ra.RetryAfterDelay()
		}
		return out
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = KindTimeout
	case errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		out.Kind = KindNetwork
	}
	return out
}

func kindForStatus(status int) (Kind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication, false
	case status == 419 || status == 440:
		return KindSessionExpired, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout, false
	case status == http.StatusTooManyRequests:
		return KindRateLimit, false
	case status >= 500:
		return KindNetwork, false
	default:
		return KindUnknown, false
	}
}
