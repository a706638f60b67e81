// Package proxy forwards admitted requests to the downstream service,
// relaying unary responses as-is and SSE streams event by event.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/config"
)

// Engine owns the downstream HTTP client. One engine serves every
// request; per-request knobs arrive through Options.
type Engine struct {
	client *http.Client
}

// Options carries the per-request settings resolved from the policy
// snapshot, plus the accounting hook for SSE messages.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	IdleTimeout time.Duration
	SSE         bool   // request declared streaming intent
	Body        []byte // buffered request body
	// OnMessage is called once per downstream "data:" line before the
	// event is forwarded. A non-nil return ends the stream with an
	// in-band rate_limit_exceeded event.
	OnMessage func() error
}

// Result describes what was relayed, for the request log.
type Result struct {
	Status   int
	SSE      bool // the response was relayed as an event stream
	Messages int
}

// New builds the forwarding engine. Compression is disabled on the
// transport so response bytes pass through unmodified, and downstream
// hosts resolve through the shared DNS cache.
func New(resolver *dnscache.Resolver, auth config.DownstreamAuthConfig) *Engine {
	base := newTransport(resolver)
	var rt http.RoundTripper = base
	switch auth.Type {
	case "bearer":
		rt = &bearerTransport{base: base, token: auth.Token}
	case "oauth2":
		cc := &clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		// Token refreshes go through their own client on the same transport.
		tokCtx := context.WithValue(context.Background(), oauth2.HTTPClient,
			&http.Client{Transport: base, Timeout: 30 * time.Second})
		rt = &oauth2.Transport{Source: cc.TokenSource(tokCtx), Base: base}
	}
	return &Engine{client: &http.Client{Transport: rt}}
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DisableCompression:  true,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// bearerTransport injects a static bearer token on every downstream call.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// hopByHop headers are stripped in both directions.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forward proxies one admitted request to baseURL + path + query. A
// connect or header-wait failure before any byte reaches the client
// returns ErrDownstream and writes nothing; everything after that is
// handled in-stream and reported through Result.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, opts Options) (Result, error) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	target := strings.TrimSuffix(opts.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return Result{Status: http.StatusBadGateway}, fmt.Errorf("%w: build request: %v", pylon.ErrDownstream, err)
	}

	for key, vals := range r.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		switch strings.ToLower(key) {
		case "authorization", "host", "content-length":
			continue
		}
		outReq.Header[key] = vals
	}

	// The timeout covers the wait for response headers; for unary
	// responses it keeps running as the total budget, while streams
	// switch to the idle timer once headers arrive.
	headerTimer := time.AfterFunc(opts.Timeout, cancel)
	resp, err := e.client.Do(outReq)
	if err != nil {
		headerTimer.Stop()
		if r.Context().Err() != nil {
			return Result{Status: pylon.StatusClientClosedRequest}, fmt.Errorf("%w: %v", context.Canceled, err)
		}
		return Result{Status: http.StatusBadGateway}, fmt.Errorf("%w: %v", pylon.ErrDownstream, err)
	}
	defer resp.Body.Close()

	if opts.SSE || isEventStream(resp.Header) {
		headerTimer.Stop()
		return e.relaySSE(ctx, w, resp, opts), nil
	}
	res := e.relayUnary(ctx, w, r, resp)
	headerTimer.Stop()
	return res, nil
}

func isEventStream(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

// relayUnary copies status, headers, and body through unchanged.
func (e *Engine) relayUnary(ctx context.Context, w http.ResponseWriter, r *http.Request, resp *http.Response) Result {
	for key, vals := range resp.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Flush per read for non-SSE streaming bodies (NDJSON and friends).
	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "application/x-ndjson") ||
		strings.Contains(ct, "application/stream+json"))

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return Result{Status: pylon.StatusClientClosedRequest}
			}
			if needsFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return Result{Status: resp.StatusCode}
			}
			if r.Context().Err() != nil {
				return Result{Status: pylon.StatusClientClosedRequest}
			}
			slog.LogAttrs(ctx, slog.LevelError, "unary relay aborted",
				slog.String("error", readErr.Error()),
			)
			return Result{Status: http.StatusBadGateway}
		}
	}
}

// Probe reports whether the downstream answers at all. Any HTTP
// response, even an error status, counts as reachable.
func (e *Engine) Probe(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimSuffix(baseURL, "/")+"/", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
