package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/resilience"
)

// Kind classifies a failed call. Only TIMEOUT and UNREACHABLE are retried.
type Kind string

const (
	KindTimeout     Kind = "TIMEOUT"
	KindUnreachable Kind = "UNREACHABLE"
	KindMalformed   Kind = "MALFORMED"
	KindBusiness    Kind = "BUSINESS_ERROR"
)

// Retryable reports whether a call failing with k may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindUnreachable
}

// HTTPStatus is the status a server answers with for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnreachable:
		return http.StatusServiceUnavailable
	case KindBusiness:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// Error is returned by every Client call that does not succeed.
type Error struct {
	Kind     Kind
	Target   model.StageName
	Route    string
	Attempts int
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transport: %s calling %s %s", e.Kind, e.Target, e.Route)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the transport kind of err, or "" if err did not come from
// the transport.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err is a transport error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func newError(kind Kind, target model.StageName, route string, status int, cause error) *Error {
	if cause == nil {
		cause = errors.New(strings.ToLower(string(kind)))
	}
	if kind.Retryable() {
		cause = resilience.NewTransientError(cause, status)
	} else {
		cause = resilience.Permanent(cause)
	}
	return &Error{Kind: kind, Target: target, Route: route, Status: status, Err: cause}
}

// classifyDoErr maps an error from http.Client.Do. attemptCtx carries the
// per-attempt deadline; a deadline on it is a TIMEOUT, anything else is
// UNREACHABLE.
func classifyDoErr(attemptCtx context.Context, err error) Kind {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}

// classifyStatus maps a non-2xx response without a typed error body.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case resilience.IsTransientHTTPStatus(status):
		return KindUnreachable
	case status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		return KindBusiness
	default:
		return KindMalformed
	}
}
