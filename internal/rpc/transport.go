package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control and agent listeners sit behind whatever reverse proxy
	// or firewall the deployment puts in front of them; spec.md does not
	// define browser-facing CORS semantics for the agent socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const handshakeTimeout = 10 * time.Second

// Accept upgrades an inbound HTTP request to a websocket and performs the
// two-way handshake exchange, returning a SERVER-mode Connection plus the
// handshake the peer presented. The caller (the agent listener) is
// responsible for validating the returned handshake before registering
// the connection.
func Accept(w http.ResponseWriter, r *http.Request, ourHandshake map[string]any, log *zap.Logger) (*Connection, map[string]any, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}
	peerHandshake, err := exchangeHandshake(ws, ourHandshake)
	if err != nil {
		_ = ws.Close()
		return nil, nil, err
	}
	return newConnection(ws, ModeServer, peerHandshake, log), peerHandshake, nil
}

// Dial opens an outbound websocket connection to url and performs the
// handshake exchange, returning a CLIENT-mode Connection. Used by the job
// dispatcher's "address" locator to connect directly to an agent that has
// not dialed into this router.
func Dial(ctx context.Context, url string, ourHandshake map[string]any, log *zap.Logger) (*Connection, map[string]any, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}
	peerHandshake, err := exchangeHandshake(ws, ourHandshake)
	if err != nil {
		_ = ws.Close()
		return nil, nil, err
	}
	return newConnection(ws, ModeClient, peerHandshake, log), peerHandshake, nil
}

func exchangeHandshake(ws *websocket.Conn, ours map[string]any) (map[string]any, error) {
	_ = ws.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := ws.WriteJSON(ours); err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var peer map[string]any
	if err := ws.ReadJSON(&peer); err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})
	return peer, nil
}

// DecodeArgs is a small helper for handlers unpacking a call's Args into
// typed positional parameters.
func DecodeArgs(raw json.RawMessage, v any) error {
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, v)
}
