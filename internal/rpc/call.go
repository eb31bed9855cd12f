package rpc

import (
	"context"
	"encoding/json"
)

// pendingCall tracks a call this side initiated, awaiting its
// result/error frame from the peer.
type pendingCall struct {
	resultCh chan callOutcome
}

type callOutcome struct {
	value json.RawMessage
	err   error
}

// Call represents an in-flight or completed call. For CallSimple, Stream
// is nil and the value is available immediately from Result. For the
// streaming kinds, Stream carries the data and Result yields the final
// value once the callee finishes (mirroring prpc's "await call.result"
// after pumping call.stream).
type Call struct {
	conn     *Connection
	id       string
	kind     CallKind
	Stream   *Stream
	pending  *pendingCall
}

// Result waits for the callee's final result frame. For streaming calls
// this should be awaited after the stream has been fully pumped, exactly
// as the original's handlers do ("await rpc_call.result").
func (c *Call) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case out := <-c.pending.resultCh:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.conn.closed:
		return nil, ErrStreamClosed
	}
}

// ResultInto waits for the result and decodes it into v.
func (c *Call) ResultInto(ctx context.Context, v any) error {
	raw, err := c.Result(ctx)
	if err != nil {
		return err
	}
	if v == nil || raw == nil {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Close releases the call's bookkeeping. Safe to call even if Result was
// never awaited (the underlying stream goroutines are not leaked because
// delivery is non-blocking against recvDone/closed).
func (c *Call) Close() {
	c.conn.forgetCall(c.id)
}
