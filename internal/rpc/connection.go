// Package rpc implements the multiplexed request/stream RPC substrate
// spec.md assumes as a pre-built "RPC library": a Connection abstraction
// offering unary calls and three streaming call shapes, carried over a
// single gorilla/websocket connection per peer.
//
// Framing follows the single-writer discipline arkeep's websocket hub
// client uses (gorilla/websocket connections are not safe for concurrent
// writes): every frame, whether an outgoing call or a reply to an
// incoming one, passes through one writer goroutine fed by a channel.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Mode distinguishes connections the peer dialed into us (SERVER) from
// connections we dialed out to the peer (CLIENT). Only CLIENT-mode
// connections are subject to the idle-connection watcher.
type Mode string

const (
	ModeServer Mode = "SERVER"
	ModeClient Mode = "CLIENT"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler serves one incoming call. Simple calls should send exactly one
// result/error and return; streaming calls additionally pump call.Stream.
type Handler func(ctx context.Context, call *IncomingCall)

// IncomingCall is the callee-side view of a call dispatched to a
// registered Handler.
type IncomingCall struct {
	conn   *Connection
	id     string
	Method string
	Args   json.RawMessage
	Kwargs json.RawMessage
	Stream *Stream // nil for CallSimple
}

// SendResult completes the call successfully.
func (c *IncomingCall) SendResult(ctx context.Context, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	c.conn.forgetCall(c.id)
	return c.conn.send(ctx, frame{Kind: frameResult, CallID: c.id, Value: raw})
}

// SendError completes the call with a remote error, classified by type
// the way RpcMethodError carries a cause_type in the original
// implementation (e.g. "JobNotFoundError"). traceback mirrors the
// original's ex.remote_traceback, rendered verbatim by the proxy's 502
// error page; pass "" when the callee has none to report.
func (c *IncomingCall) SendError(ctx context.Context, errType, message, traceback string) error {
	c.conn.forgetCall(c.id)
	return c.conn.send(ctx, frame{Kind: frameError, CallID: c.id, ErrType: errType, ErrMessage: message, ErrTraceback: traceback})
}

// CloseCallback is invoked, in registration order, when a Connection
// closes. Registry.Register and the idle watcher both append callbacks
// here; Connection guarantees each fires at most once.
type CloseCallback func(*Connection)

// Connection is one multiplexed peer connection: either an agent that
// dialed into the router (SERVER) or a short-lived connection the router
// dialed out to an agent by address (CLIENT).
type Connection struct {
	id            string
	mode          Mode
	ws            *websocket.Conn
	log           *zap.Logger
	handshakeData map[string]any
	peerUID       string

	writeCh chan frame
	closed  chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	pending        map[string]*pendingCall
	streams        map[string]*Stream
	handlers       map[string]Handler
	closeCallbacks []CloseCallback

	inflight int64 // atomic: count of calls we initiated awaiting a result
}

func newConnection(ws *websocket.Conn, mode Mode, handshakeData map[string]any, log *zap.Logger) *Connection {
	c := &Connection{
		id:            uuid.NewString(),
		mode:          mode,
		ws:            ws,
		log:           log,
		handshakeData: handshakeData,
		writeCh:       make(chan frame, 64),
		closed:        make(chan struct{}),
		pending:       make(map[string]*pendingCall),
		streams:       make(map[string]*Stream),
		handlers:      make(map[string]Handler),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// ID returns this connection's router-assigned identifier.
func (c *Connection) ID() string { return c.id }

// Mode reports whether the peer dialed in (SERVER) or we dialed out
// (CLIENT).
func (c *Connection) Mode() Mode { return c.mode }

// PeerUID returns the peer identity uid carried in its handshake.
func (c *Connection) PeerUID() string { return c.peerUID }

// SetPeerUID is called by the registry once the handshake has been
// validated.
func (c *Connection) SetPeerUID(uid string) { c.peerUID = uid }

// HandshakeData returns the raw handshake payload the peer presented.
func (c *Connection) HandshakeData() map[string]any { return c.handshakeData }

// Connected reports whether the underlying transport is still open.
func (c *Connection) Connected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Active reports whether a call initiated by this side is currently
// in flight. The idle watcher must not close a connection mid-call.
func (c *Connection) Active() bool {
	return atomic.LoadInt64(&c.inflight) > 0
}

// Closed returns a channel that is closed once the connection has shut
// down, for callers that want to wait on it rather than poll Connected.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Handle registers a method this connection will serve when the peer
// issues a call for it.
func (c *Connection) Handle(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// OnClose registers a callback invoked once, in registration order, when
// Close runs.
func (c *Connection) OnClose(cb CloseCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		cb(c)
		c.mu.Lock()
		return
	default:
	}
	c.closeCallbacks = append(c.closeCallbacks, cb)
}

// Close tears down the connection, invoking close callbacks in
// registration order. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()

		c.mu.Lock()
		callbacks := c.closeCallbacks
		c.closeCallbacks = nil
		c.mu.Unlock()

		for _, cb := range callbacks {
			cb(c)
		}
	})
}

func (c *Connection) forgetCall(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Connection) send(ctx context.Context, f frame) error {
	select {
	case c.writeCh <- f:
		return nil
	case <-c.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.writeCh:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) readPump() {
	defer c.Close()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.dispatch(f)
	}
}

func (c *Connection) dispatch(f frame) {
	switch f.Kind {
	case frameCall:
		c.handleIncomingCall(f)
	case frameData:
		c.mu.Lock()
		s := c.streams[f.CallID]
		c.mu.Unlock()
		if s != nil {
			s.deliver(f.Data)
		}
	case frameEnd:
		c.mu.Lock()
		s := c.streams[f.CallID]
		c.mu.Unlock()
		if s != nil {
			s.deliverEnd()
		}
	case frameResult:
		c.completeCall(f.CallID, f.Value, nil)
	case frameError:
		c.completeCall(f.CallID, nil, remoteError{errType: f.ErrType, message: f.ErrMessage, traceback: f.ErrTraceback})
	}
}

// remoteError carries a classified error from the callee, preserving its
// declared type so the caller can map e.g. "JobNotFoundError" to 404.
type remoteError struct {
	errType   string
	message   string
	traceback string
}

func (e remoteError) Error() string { return fmt.Sprintf("%s: %s", e.errType, e.message) }

// RemoteErrorType extracts the callee-declared error type from err, if
// err originated from a SendError frame.
func RemoteErrorType(err error) (string, bool) {
	re, ok := err.(remoteError)
	return re.errType, ok
}

// AsRemoteError extracts the callee-declared error type, message and
// remote traceback from err, if err originated from a SendError frame.
func AsRemoteError(err error) (errType, message, traceback string, ok bool) {
	re, ok := err.(remoteError)
	return re.errType, re.message, re.traceback, ok
}

func (c *Connection) completeCall(id string, value json.RawMessage, err error) {
	c.mu.Lock()
	p := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if p == nil {
		return
	}
	atomic.AddInt64(&c.inflight, -1)
	p.resultCh <- callOutcome{value: value, err: err}
}

func (c *Connection) handleIncomingCall(f frame) {
	c.mu.Lock()
	h := c.handlers[f.Method]
	var stream *Stream
	if f.CallKind != CallSimple && f.CallKind != "" {
		stream = newStream(c, f.CallID)
		c.streams[f.CallID] = stream
	}
	c.mu.Unlock()

	if h == nil {
		_ = c.send(context.Background(), frame{
			Kind: frameError, CallID: f.CallID,
			ErrType: "NoSuchMethodError", ErrMessage: fmt.Sprintf("unknown method %q", f.Method),
		})
		return
	}
	call := &IncomingCall{conn: c, id: f.CallID, Method: f.Method, Args: f.Args, Kwargs: f.Kwargs, Stream: stream}
	go h(context.Background(), call)
}

func (c *Connection) startCall(ctx context.Context, kind CallKind, method string, args, kwargs any) (*Call, error) {
	argsRaw, err := encodeValue(args)
	if err != nil {
		return nil, err
	}
	kwargsRaw, err := encodeValue(kwargs)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	p := &pendingCall{resultCh: make(chan callOutcome, 1)}

	c.mu.Lock()
	c.pending[id] = p
	var stream *Stream
	if kind != CallSimple {
		stream = newStream(c, id)
		c.streams[id] = stream
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.inflight, 1)
	if err := c.send(ctx, frame{
		Kind: frameCall, CallID: id, CallKind: kind, Method: method, Args: argsRaw, Kwargs: kwargsRaw,
	}); err != nil {
		c.forgetCall(id)
		atomic.AddInt64(&c.inflight, -1)
		return nil, err
	}
	return &Call{conn: c, id: id, kind: kind, Stream: stream, pending: p}, nil
}

// CallSimple issues a unary call and waits for the result.
func (c *Connection) CallSimple(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	call, err := c.startCall(ctx, CallSimple, method, argSlice(args), nil)
	if err != nil {
		return nil, err
	}
	defer call.Close()
	return call.Result(ctx)
}

// CallIStream opens a call whose data flows from the callee back to us.
func (c *Connection) CallIStream(ctx context.Context, method string, args []any, kwargs map[string]any) (*Call, error) {
	return c.startCall(ctx, CallIStream, method, args, kwargs)
}

// CallOStream opens a call whose data flows from us to the callee.
func (c *Connection) CallOStream(ctx context.Context, method string, args []any, kwargs map[string]any) (*Call, error) {
	return c.startCall(ctx, CallOStream, method, args, kwargs)
}

// CallBiStream opens a call whose data flows in both directions.
func (c *Connection) CallBiStream(ctx context.Context, method string, args []any, kwargs map[string]any) (*Call, error) {
	return c.startCall(ctx, CallBiStream, method, args, kwargs)
}

func argSlice(args []any) []any {
	if len(args) == 0 {
		return []any{}
	}
	return args
}
