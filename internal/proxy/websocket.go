package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/rpc"
)

const methodWSConnect = "ws_connect"

// wsEventQueueDepth bounds the bridging event queue between the external
// client's websocket and the job's stream, per
// WS_PROXY_EVENT_QUEUE_DEPTH in the original.
const wsEventQueueDepth = 32

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket bridges an external client's websocket to a job
// process's websocket endpoint via the "ws_connect" bistream call: the
// passive proxy, where the client connects to the router, which opens
// ws_connect against the job. The active bridge is ProxyActive, which
// shares only bridgeWebSocketEvents with this function.
func (e *Engine) ServeWebSocket(w http.ResponseWriter, r *http.Request, connID, jobUID, path string) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}

	clientWS, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return apierr.InvalidRequest("websocket upgrade failed: %v", err)
	}
	defer clientWS.Close()

	ctx := r.Context()
	call, err := conn.CallBiStream(ctx, methodWSConnect,
		[]any{jobUID, path, r.URL.RawQuery, headerMap(r.Header)}, nil)
	if err != nil {
		return apierr.RPC(err)
	}
	defer call.Close()

	sentinel, err := recvMsg(ctx, call.Stream)
	if err != nil || sentinel == nil || sentinel.Kind != kindBool || !sentinel.Bool {
		e.renderError(ctx, w, call)
		return nil
	}

	bridgeWebSocketEvents(ctx, call, clientWS, e.log)
	return nil
}

// ProxyActive implements the active bridge: tell the agent to open a
// websocket client to the job at path, and simultaneously dial targetURL
// ourselves, then bridge the two. The HTTP response returns as soon as
// the agent reports a successful local connect — the bridge's lifetime
// is independent of this request, matching proxy.py's
// proxy_active/_proxy_active split (the handler only awaits the initial
// connect; a detached task owns the bridge itself).
func (e *Engine) ProxyActive(w http.ResponseWriter, r *http.Request, connID, jobUID, path string, targetURL *url.URL) error {
	conn, err := e.registry.Connection(connID)
	if err != nil {
		return err
	}

	ctx := r.Context()
	call, err := conn.CallBiStream(ctx, methodWSConnect,
		[]any{jobUID, path, r.URL.RawQuery, headerMap(r.Header)}, nil)
	if err != nil {
		return apierr.RPC(err)
	}

	sentinel, err := recvMsg(ctx, call.Stream)
	if err != nil || sentinel == nil || sentinel.Kind != kindBool || !sentinel.Bool {
		defer call.Close()
		waitCtx, cancel := context.WithTimeout(ctx, exceptionTimeout)
		defer cancel()
		_, resErr := call.Result(waitCtx)
		if errType, msg, _, ok := rpc.AsRemoteError(resErr); ok {
			return apierr.InvalidRequest("%s: %s", errType, msg)
		}
		return apierr.InvalidRequest("ws_connect failed: %v", resErr)
	}

	remoteWS, _, dialErr := websocket.DefaultDialer.DialContext(ctx, targetURL.String(), nil)
	if dialErr != nil {
		call.Close()
		return apierr.InvalidRequest("dialing active bridge target: %v", dialErr)
	}

	w.WriteHeader(http.StatusOK)

	go func() {
		defer call.Close()
		bridgeWebSocketEvents(context.Background(), call, remoteWS, e.log)
	}()
	return nil
}

// bridgeWebSocketEvents pumps frames between clientWS and the job's
// bistream call through one bounded event queue, exactly as
// _proxy_websocket_events does with its asyncio.Queue(32): two forwarder
// goroutines each emit a closing sentinel, and the main loop exits on
// either sentinel, then waits for both forwarders before returning.
func bridgeWebSocketEvents(ctx context.Context, call *rpc.Call, clientWS *websocket.Conn, log *zap.Logger) {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	events := make(chan wsFrame, wsEventQueueDepth)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		listenClientWS(clientWS, events)
	}()
	go func() {
		defer wg.Done()
		listenJobStream(streamCtx, call.Stream, events)
	}()

loop:
	for {
		select {
		case f := <-events:
			if f.Closed {
				break loop
			}
			switch f.Direction {
			case dirJobToClient:
				mt := websocket.BinaryMessage
				if f.Text {
					mt = websocket.TextMessage
				}
				if err := clientWS.WriteMessage(mt, f.Data); err != nil {
					break loop
				}
			case dirClientToJob:
				if err := sendMsg(ctx, call.Stream, wireMsg{Kind: kindBody, Body: f.Data}); err != nil {
					break loop
				}
			}
		case <-ctx.Done():
			break loop
		}
	}

	// Unblock both forwarders: closing the client socket aborts the
	// pending ReadMessage, cancelling streamCtx aborts the pending
	// stream Receive.
	_ = clientWS.Close()
	cancelStream()
	_ = call.Stream.CloseSend(ctx)
	wg.Wait()

	if _, err := call.Result(ctx); err != nil {
		log.Debug("job reported error closing bridged websocket", zap.Error(err))
	}
}

// listenClientWS and listenJobStream each emit a final Closed sentinel
// frame when their side ends, mirroring the original's per-forwarder
// None-sentinel convention; the main loop exits on whichever arrives
// first.
func listenClientWS(clientWS *websocket.Conn, events chan<- wsFrame) {
	for {
		mt, data, err := clientWS.ReadMessage()
		if err != nil {
			events <- wsFrame{Closed: true}
			return
		}
		events <- wsFrame{Direction: dirClientToJob, Text: mt == websocket.TextMessage, Data: data}
	}
}

func listenJobStream(ctx context.Context, stream *rpc.Stream, events chan<- wsFrame) {
	for {
		msg, err := recvMsg(ctx, stream)
		if err != nil || msg == nil || msg.Kind != kindBody {
			events <- wsFrame{Closed: true}
			return
		}
		events <- wsFrame{Direction: dirJobToClient, Data: msg.Body}
	}
}
