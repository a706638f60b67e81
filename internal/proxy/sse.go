package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	pylon "github.com/eugener/pylon/internal"
)

const maxLineSize = 64 * 1024 // per SSE line

// Pre-allocated byte slices and header value slices for the streaming
// hot path. Direct map assignment avoids the []string{v} alloc that
// Header.Set creates.
var (
	sseErrorPrefix = []byte("event: pylon_error\ndata: ")
	sseFrameEnd    = []byte("\n\n")

	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders commits the client side of the stream. From here on
// errors can only be reported in-band.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// streamError is the payload of an in-band pylon_error event.
type streamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeErrorFrame emits one terminal in-band event:
//
//	event: pylon_error
//	data: {"code":"<code>","message":"<text>"}
func writeErrorFrame(w http.ResponseWriter, f http.Flusher, code, message string) {
	payload, err := json.Marshal(streamError{Code: code, Message: message})
	if err != nil {
		return
	}
	w.Write(sseErrorPrefix)
	w.Write(payload)
	w.Write(sseFrameEnd)
	f.Flush()
}

// sseLine is one line read from the downstream, or the reason reading stopped.
type sseLine struct {
	text string
	eof  bool
	err  error
}

// readLines pumps downstream lines into ch until the body ends or ctx is
// cancelled. The terminal element carries eof or the read error.
func readLines(ctx context.Context, body io.Reader, ch chan<- sseLine) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 4096), maxLineSize)
	for sc.Scan() {
		select {
		case ch <- sseLine{text: sc.Text()}:
		case <-ctx.Done():
			return
		}
	}
	last := sseLine{eof: true}
	if err := sc.Err(); err != nil {
		last = sseLine{err: err}
	}
	select {
	case ch <- last:
	case <-ctx.Done():
	}
}

// isDataLine reports whether an SSE line carries a billable message.
func isDataLine(line string) bool {
	field, _, ok := strings.Cut(line, ":")
	return ok && field == "data"
}

// relaySSE streams downstream events to the client, billing each data
// line before its event is forwarded. The relay ends on downstream EOF,
// read error, idle timeout, a rate violation, or client disconnect; all
// but the disconnect emit a terminal pylon_error frame first. A stream
// terminated in-band still reports status 200 with the count of
// messages that made it through.
func (e *Engine) relaySSE(ctx context.Context, w http.ResponseWriter, resp *http.Response, opts Options) Result {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return Result{Status: http.StatusInternalServerError, SSE: true}
	}
	writeSSEHeaders(w)
	flusher.Flush()

	if resp.StatusCode >= 400 {
		writeErrorFrame(w, flusher, "downstream_error",
			fmt.Sprintf("Downstream returned status %d", resp.StatusCode))
		return Result{Status: http.StatusOK, SSE: true}
	}

	lines := make(chan sseLine, 64)
	go readLines(ctx, resp.Body, lines)

	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	var (
		event     bytes.Buffer // pending event, lines with trailing \n
		pending   int          // unbilled data lines in event
		forwarded int
	)

	// flushEvent bills the pending data lines and writes the buffered
	// event. A false return means the relay is over; Status and Messages
	// on the result are final.
	flushEvent := func() (Result, bool) {
		if event.Len() == 0 {
			return Result{}, true
		}
		for range pending {
			if err := opts.OnMessage(); err != nil {
				_, _, msg := pylon.Rejection(err)
				writeErrorFrame(w, flusher, "rate_limit_exceeded", msg)
				return Result{Status: http.StatusOK, SSE: true, Messages: forwarded}, false
			}
		}
		event.WriteByte('\n')
		if _, err := w.Write(event.Bytes()); err != nil {
			return Result{Status: pylon.StatusClientClosedRequest, SSE: true, Messages: forwarded}, false
		}
		flusher.Flush()
		forwarded += pending
		event.Reset()
		pending = 0
		return Result{}, true
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Status: pylon.StatusClientClosedRequest, SSE: true, Messages: forwarded}

		case <-idle.C:
			writeErrorFrame(w, flusher, "idle_timeout",
				fmt.Sprintf("No data received for %d seconds", int(opts.IdleTimeout/time.Second)))
			return Result{Status: http.StatusOK, SSE: true, Messages: forwarded}

		case l := <-lines:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)

			switch {
			case l.err != nil:
				slog.LogAttrs(ctx, slog.LevelWarn, "sse downstream read failed",
					slog.String("error", l.err.Error()),
				)
				writeErrorFrame(w, flusher, "downstream_error", "Downstream connection lost")
				return Result{Status: http.StatusOK, SSE: true, Messages: forwarded}

			case l.eof:
				// Forward a trailing event the downstream never terminated.
				if res, ok := flushEvent(); !ok {
					return res
				}
				return Result{Status: http.StatusOK, SSE: true, Messages: forwarded}

			case l.text == "":
				if res, ok := flushEvent(); !ok {
					return res
				}

			default:
				event.WriteString(l.text)
				event.WriteByte('\n')
				if isDataLine(l.text) {
					pending++
				}
			}
		}
	}
}
