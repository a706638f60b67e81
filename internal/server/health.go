package server

import (
	"net/http"
	"time"
)

const (
	probeKey = "downstream"
	probeTTL = 5 * time.Second
)

// healthResponse reports proxy liveness plus a cached downstream probe.
type healthResponse struct {
	Status            string `json:"status"`
	Downstream        string `json:"downstream"`
	QueueSize         int    `json:"queue_size"`
	ActiveConnections int    `json:"active_connections"`
}

// handleHealth is unauthenticated. The downstream probe result is
// cached briefly so health polling cannot hammer the downstream.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Bank.Snapshot(time.Now())
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Downstream:        s.probeDownstream(r),
		QueueSize:         s.deps.Queue.Len(),
		ActiveConnections: snap.GlobalConcurrent + snap.GlobalSSE,
	})
}

func (s *server) probeDownstream(r *http.Request) string {
	if s.deps.ProbeCache != nil {
		if cached, ok := s.deps.ProbeCache.Get(probeKey); ok {
			return cached
		}
	}
	state := "ok"
	if err := s.deps.Engine.Probe(r.Context(), s.deps.Policy.Current().DownstreamBaseURL); err != nil {
		state = "error"
	}
	if s.deps.ProbeCache != nil {
		s.deps.ProbeCache.Set(probeKey, state, probeTTL)
	}
	return state
}
