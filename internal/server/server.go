// Package server implements the two HTTP surfaces of the Pylon proxy:
// the client-facing proxy server and the admin API server.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/admission"
	"github.com/eugener/pylon/internal/cache"
	"github.com/eugener/pylon/internal/policy"
	"github.com/eugener/pylon/internal/proxy"
	"github.com/eugener/pylon/internal/queue"
	"github.com/eugener/pylon/internal/ratelimit"
	"github.com/eugener/pylon/internal/telemetry"
)

// Recorder accepts request logs asynchronously.
type Recorder interface {
	Record(pylon.RequestLog)
}

// Deps holds all dependencies for the proxy server.
type Deps struct {
	Auth       pylon.Authenticator
	Admission  *admission.Controller
	Policy     *policy.Service
	Engine     *proxy.Engine
	Queue      *queue.Queue
	Bank       *ratelimit.Bank
	Recorder   Recorder           // nil = no request logging
	Metrics    *telemetry.Metrics // nil = no metrics
	ProbeCache *cache.TTL[string] // nil = probe downstream on every health check
}

// New creates the proxy http.Handler with all routes and middleware wired.
// Every path except /health authenticates and forwards to the downstream.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Handle("/*", http.HandlerFunc(s.handleProxy))
	})

	return r
}

type server struct {
	deps Deps
}

// rejection is the JSON body for every refused request: a stable code
// plus a human message.
type rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// jsonCT avoids the []string{v} alloc from Header.Set on the hot path.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeRejection maps err through the sentinel table and writes the
// rejection body, returning the status and code for logs and metrics.
func writeRejection(w http.ResponseWriter, err error) (int, string) {
	status, code, message := pylon.Rejection(err)
	writeJSON(w, status, rejection{Code: code, Message: message})
	return status, code
}
