package rpc

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Send once the local or remote side has
// ended the stream.
var ErrStreamClosed = errors.New("rpc: stream closed")

// Stream is the data-carrying half of an istream/ostream/bistream call.
// Both the caller's and the callee's view of a given call id share the
// same Stream shape; a connection only ever has one local Stream object
// per call id regardless of who initiated it.
type Stream struct {
	conn   *Connection
	callID string

	recv      chan []byte
	recvDone  chan struct{}
	sendMu    chanCloser
}

// chanCloser guards double-close of the "end" signal sent by this side.
type chanCloser struct {
	closed bool
}

func newStream(conn *Connection, callID string) *Stream {
	return &Stream{
		conn:     conn,
		callID:   callID,
		recv:     make(chan []byte, 16),
		recvDone: make(chan struct{}),
	}
}

// Send writes one chunk to the peer. Safe to call from any goroutine;
// writes to the underlying connection are serialized by Connection's
// single writer goroutine.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	return s.conn.send(ctx, frame{Kind: frameData, CallID: s.callID, Data: data})
}

// CloseSend signals that this side has no more data to send. Idempotent.
func (s *Stream) CloseSend(ctx context.Context) error {
	if s.sendMu.closed {
		return nil
	}
	s.sendMu.closed = true
	return s.conn.send(ctx, frame{Kind: frameEnd, CallID: s.callID})
}

// Receive blocks for the next chunk from the peer. Returns (nil, nil) once
// the peer has closed its send side (mirrors the original's
// "async for chunk in stream" terminating cleanly, and the istream
// protocol's "receive returns None" header-absent case).
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-s.recv:
		if !ok {
			return nil, nil
		}
		return data, nil
	case <-s.recvDone:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.closed:
		return nil, ErrStreamClosed
	}
}

func (s *Stream) deliver(data []byte) {
	select {
	case s.recv <- data:
	case <-s.recvDone:
	}
}

func (s *Stream) deliverEnd() {
	select {
	case <-s.recvDone:
	default:
		close(s.recvDone)
	}
}
