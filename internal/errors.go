package pylon

import (
	"errors"
	"net/http"
)

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized = errors.New("missing or invalid credentials")
	ErrKeyInvalid   = errors.New("api key invalid")
	ErrKeyExpired   = errors.New("api key expired")
	ErrKeyRevoked   = errors.New("api key revoked")

	ErrUserLimit  = errors.New("user rate limit exceeded")
	ErrAPILimit   = errors.New("api rate limit exceeded")
	ErrSystemBusy = errors.New("global rate limit exceeded")

	ErrQueueFull    = errors.New("queue full")
	ErrQueueTimeout = errors.New("queue wait timeout")
	ErrPreempted    = errors.New("preempted by higher priority")

	ErrDownstream = errors.New("downstream error")

	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrBadRequest = errors.New("bad request")
)

// StatusClientClosedRequest is recorded when the client goes away
// before a response could be written. Never sent on the wire.
const StatusClientClosedRequest = 499

// Rejection maps a sentinel to the client-facing status, stable code,
// and human message. The same strings appear in rejection bodies and
// in-band stream events.
func Rejection(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Missing or invalid API key"
	case errors.Is(err, ErrKeyInvalid), errors.Is(err, ErrKeyExpired), errors.Is(err, ErrKeyRevoked):
		return http.StatusUnauthorized, "unauthorized", "Invalid or expired API key"
	case errors.Is(err, ErrUserLimit):
		return http.StatusTooManyRequests, "user_limit", "Your request limit exceeded"
	case errors.Is(err, ErrAPILimit):
		return http.StatusTooManyRequests, "api_limit", "API rate limit exceeded"
	case errors.Is(err, ErrSystemBusy):
		return http.StatusTooManyRequests, "system_busy", "System busy, please try again later"
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full", "Queue full, request rejected"
	case errors.Is(err, ErrPreempted):
		return http.StatusServiceUnavailable, "preempted", "Request preempted by higher priority"
	case errors.Is(err, ErrQueueTimeout):
		return http.StatusGatewayTimeout, "queue_timeout", "Queue wait timeout"
	case errors.Is(err, ErrDownstream):
		return http.StatusBadGateway, "downstream_error", "Failed to connect to downstream service"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found", "Not found"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict", "Conflict"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request", "Bad request"
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}
