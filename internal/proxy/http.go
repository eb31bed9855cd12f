package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/registry"
	"github.com/datadvance/pRouter/internal/rpc"
)

// exceptionTimeout bounds how long the proxy waits for a failed call's
// final result once the response head never arrived.
const exceptionTimeout = 5 * time.Second

const methodHTTPRequest = "http_request"

// headersToStrip are removed from the agent's response before it's
// forwarded to the external client: spec.md requires the router to own
// caching and encoding decisions for proxied traffic, not the job.
var headersToStrip = map[string]bool{
	"Cache-Control":    true,
	"Expires":          true,
	"Content-Encoding": true,
}

// Engine implements the passive HTTP/WebSocket proxy and the active
// WebSocket bridge.
type Engine struct {
	registry *registry.Registry
	log      *zap.Logger
}

// New builds a proxy Engine.
func New(reg *registry.Registry, log *zap.Logger) *Engine {
	return &Engine{registry: reg, log: log}
}

// ServeHTTP forwards an external HTTP request to the job process
// identified by (connID, jobUID), rewriting it onto the "http_request"
// bistream call and streaming the reply back.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request, connID, jobUID, path string) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}

	ctx := r.Context()
	call, err := conn.CallBiStream(ctx, methodHTTPRequest,
		[]any{jobUID, path, r.URL.RawQuery, headerMap(r.Header)}, nil)
	if err != nil {
		return apierr.RPC(err)
	}
	defer call.Close()

	go forwardRequestBody(ctx, call.Stream, r.Body)

	return e.forwardResponse(ctx, w, call)
}

func forwardRequestBody(ctx context.Context, stream *rpc.Stream, body io.ReadCloser) {
	defer body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := sendMsg(ctx, stream, wireMsg{Kind: kindBody, Body: chunk}); sendErr != nil {
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
	}
	_ = stream.CloseSend(ctx)
}

// forwardResponse reads the agent's response in the fixed order the
// original's _proxy_http_forward_response enforces: one status message,
// one headers message, then body chunks until the stream ends.
func (e *Engine) forwardResponse(ctx context.Context, w http.ResponseWriter, call *rpc.Call) error {
	statusMsg, err := recvMsg(ctx, call.Stream)
	if err != nil || statusMsg == nil || statusMsg.Kind != kindStatus {
		e.renderError(ctx, w, call)
		return nil
	}

	headersMsg, err := recvMsg(ctx, call.Stream)
	if err != nil || headersMsg == nil || headersMsg.Kind != kindHeaders {
		e.renderError(ctx, w, call)
		return nil
	}

	for k, vs := range headersMsg.Headers {
		if headersToStrip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setupEncoding(w.Header())
	w.WriteHeader(statusMsg.Status)

	for {
		msg, err := recvMsg(ctx, call.Stream)
		if err != nil {
			return err
		}
		if msg == nil {
			break
		}
		if msg.Kind != kindBody {
			break
		}
		if _, err := w.Write(msg.Body); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	if _, err := call.Result(ctx); err != nil {
		e.log.Debug("job reported error after response completed", zap.Error(err))
	}
	return nil
}

// setupEncoding strips any Content-Encoding the job set and forces
// chunked transfer when the agent didn't supply a fixed length. The body
// is forwarded uncompressed: no compression is negotiated with the
// external client, whatever its Accept-Encoding says.
func setupEncoding(h http.Header) {
	h.Del("Content-Encoding")
	if h.Get("Content-Length") == "" {
		h.Set("Transfer-Encoding", "chunked")
	}
}

// renderError surfaces a proxy-side failure directly onto w, matching
// _proxy_error_response: wait up to exceptionTimeout for the call's final
// error, then render either the agent's reported exception (as a
// plain-text "Proxy error:" page, including the remote traceback) or a
// generic malformed-response message. Written directly rather than
// returned as an error so it bypasses the JSON error envelope the rest of
// the control API uses — the original's proxy error pages are
// aiohttp.web.Response(text=...) bodies, not JSON.
func (e *Engine) renderError(ctx context.Context, w http.ResponseWriter, call *rpc.Call) {
	waitCtx, cancel := context.WithTimeout(ctx, exceptionTimeout)
	defer cancel()
	_, err := call.Result(waitCtx)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)

	if errType, msg, traceback, ok := rpc.AsRemoteError(err); ok {
		fmt.Fprintf(w, "Proxy error:\n%s\nError type: %s\n\nError message: %s\n\n%s\n",
			strings.Repeat("-", 40), errType, msg, traceback)
		return
	}
	fmt.Fprint(w, "Malformed response from agent.")
}

func headerMap(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
