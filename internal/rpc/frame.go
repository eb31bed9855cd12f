package rpc

import "encoding/json"

// frameKind identifies the purpose of a single websocket message. Every
// message on the wire is exactly one JSON-encoded frame; gorilla/websocket
// already preserves message boundaries so no additional length-prefixing
// is needed.
type frameKind string

const (
	frameCall   frameKind = "call"
	frameData   frameKind = "data"
	frameEnd    frameKind = "end"
	frameResult frameKind = "result"
	frameError  frameKind = "error"
)

// CallKind selects which of the four call shapes spec.md's RPC
// abstraction describes a given call uses.
type CallKind string

const (
	// CallSimple is a unary request/response call.
	CallSimple CallKind = "simple"
	// CallIStream streams data from the callee back to the caller.
	CallIStream CallKind = "istream"
	// CallOStream streams data from the caller to the callee.
	CallOStream CallKind = "ostream"
	// CallBiStream streams data in both directions.
	CallBiStream CallKind = "bistream"
)

// frame is the wire envelope multiplexing every call over one websocket
// connection by CallID.
type frame struct {
	Kind       frameKind       `json:"kind"`
	CallID     string          `json:"call_id"`
	CallKind   CallKind        `json:"call_kind,omitempty"`
	Method     string          `json:"method,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kwargs     json.RawMessage `json:"kwargs,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	ErrType      string          `json:"err_type,omitempty"`
	ErrMessage   string          `json:"err_message,omitempty"`
	ErrTraceback string          `json:"err_traceback,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
