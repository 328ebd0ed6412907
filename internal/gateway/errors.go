package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind tags every way a request can fail inside the gateway.
type Kind string

const (
	KindRouteNotFound       Kind = "route_not_found"
	KindAuthRequired        Kind = "auth_required"
	KindAuthInvalid         Kind = "auth_invalid"
	KindRateLimited         Kind = "rate_limit_exceeded"
	KindCircuitOpen         Kind = "circuit_open"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamUnreachable Kind = "service_unavailable"
	KindUpstreamFailure     Kind = "bad_gateway"
	KindClientClosed        Kind = "client_closed_request"
)

// StatusClientClosedRequest is recorded when the caller went away before the
// upstream answered. Nothing is written to the client in that case.
const StatusClientClosedRequest = 499

// Error is the tagged failure of a dispatched request.
type Error struct {
	Kind       Kind
	Service    string
	RetryAfter time.Duration // set for KindRateLimited and KindCircuitOpen
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Service)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to the HTTP status returned to the client.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindAuthRequired, KindAuthInvalid:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstreamUnreachable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindClientClosed:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

// RetryAfterSeconds rounds RetryAfter up, 0 when the kind carries no delay.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	sec := int((e.RetryAfter + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

var messages = map[Kind]string{
	KindRouteNotFound:       "no service is registered for this path",
	KindAuthRequired:        "authorization header is required",
	KindAuthInvalid:         "authorization header must be a bearer token",
	KindRateLimited:         "rate limit exceeded",
	KindCircuitOpen:         "service temporarily unavailable, circuit breaker is open",
	KindUpstreamTimeout:     "upstream service did not answer in time",
	KindUpstreamUnreachable: "upstream service is unreachable",
	KindUpstreamFailure:     "upstream request failed",
}

type errorBody struct {
	Error      Kind   `json:"error"`
	Message    string `json:"message"`
	Service    string `json:"service,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// CountsAsFailure is the breaker failure predicate: every upstream error counts
// except the caller hanging up.
func CountsAsFailure(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind != KindClientClosed
	}
	return true
}

func retryable(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	switch ge.Kind {
	case KindUpstreamTimeout, KindUpstreamUnreachable, KindUpstreamFailure:
		return true
	default:
		return false
	}
}

// asError normalizes whatever the pipeline returned into an *Error.
func asError(service string, err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindUpstreamFailure, Service: service, Err: err}
}

// writeError writes the JSON error body, with Retry-After when relevant.
func writeError(w http.ResponseWriter, e *Error) {
	if e.Kind == KindClientClosed {
		return
	}

	body := errorBody{
		Error:      e.Kind,
		Message:    messages[e.Kind],
		Service:    e.Service,
		RetryAfter: e.RetryAfterSeconds(),
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if e.Kind == KindAuthRequired || e.Kind == KindAuthInvalid {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.StatusCode())
	_ = json.NewEncoder(w).Encode(body)
}
