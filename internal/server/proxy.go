package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/proxy"
	"github.com/eugener/pylon/internal/telemetry"
)

// tracer is a no-op unless tracing is configured at startup.
var tracer = telemetry.Tracer("pylon/server")

// maxProxyBody bounds how much of a request body is buffered before
// forwarding (10 MB). Bodies are buffered so the admission wait cannot
// stall the client's upload mid-stream.
const maxProxyBody = 10 << 20

// handleProxy is the single client-facing handler: snapshot the policy,
// admit against the counter bank, forward, record.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pol := s.deps.Policy.Current()
	identity := pylon.IdentityFromContext(r.Context())

	api, rule := pol.APIRule(pylon.APIIdentifier(r.Method, r.URL.Path))

	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			rejection{Code: "bad_request", Message: "Request body too large"})
		return
	}
	sse := wantsSSE(r, body)

	ctx, admitSpan := tracer.Start(r.Context(), "admission.admit")
	ticket, err := s.deps.Admission.Admit(ctx, pol, identity, api, rule, sse)
	admitSpan.End()
	if err != nil {
		s.reject(w, r, identity, api, sse, start, err)
		return
	}
	defer ticket.Release()

	_, forwardSpan := tracer.Start(r.Context(), "proxy.forward")
	defer forwardSpan.End()
	res, err := s.deps.Engine.Forward(w, r, proxy.Options{
		BaseURL:     pol.DownstreamBaseURL,
		Timeout:     pol.DownstreamTimeout,
		IdleTimeout: pol.SSEIdleTimeout,
		SSE:         sse,
		Body:        body,
		OnMessage:   func() error { return ticket.CountMessage(time.Now()) },
	})
	if err != nil && res.Status != pylon.StatusClientClosedRequest {
		// Nothing reached the client yet; a normal rejection body fits.
		status, code := writeRejection(w, err)
		res.Status = status
		s.countReject(code)
	}

	if s.deps.Metrics != nil && res.Messages > 0 {
		s.deps.Metrics.SSEMessages.Add(float64(res.Messages))
	}
	s.record(r, identity, api, res.Status, start, res.SSE || sse, res.Messages)
}

// reject answers an admission failure. Client cancellations get no
// response (the connection is gone) but are still recorded as 499.
func (s *server) reject(w http.ResponseWriter, r *http.Request, identity *pylon.Identity, api string, sse bool, start time.Time, err error) {
	status := pylon.StatusClientClosedRequest
	if r.Context().Err() == nil && !errors.Is(err, context.Canceled) {
		var code string
		status, code = writeRejection(w, err)
		s.countReject(code)
	}
	s.record(r, identity, api, status, start, sse, 0)
}

func (s *server) countReject(code string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.AdmissionRejects.WithLabelValues(code).Inc()
	}
}

func (s *server) record(r *http.Request, identity *pylon.Identity, api string, status int, start time.Time, sse bool, messages int) {
	if s.deps.Recorder == nil {
		return
	}
	s.deps.Recorder.Record(pylon.RequestLog{
		KeyID:       identity.KeyID,
		API:         api,
		Path:        r.URL.Path,
		Method:      r.Method,
		Status:      status,
		RequestTime: start.UTC(),
		ResponseMs:  time.Since(start).Milliseconds(),
		ClientIP:    clientIP(r),
		SSE:         sse,
		SSEMessages: messages,
	})
}

// readBody buffers the request body up to maxProxyBody.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxProxyBody {
		return nil, errors.New("body too large")
	}
	return body, nil
}

// wantsSSE reports the client's streaming intent: an Accept header
// naming text/event-stream, or a JSON body with stream:true. gjson
// sniffs the field without decoding the whole document.
func wantsSSE(r *http.Request, body []byte) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	if len(body) == 0 {
		return false
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return false
	}
	return gjson.GetBytes(body, "stream").Bool()
}

// clientIP strips the port from RemoteAddr, preferring the first
// X-Forwarded-For hop when a trusted proxy fronted the request.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
