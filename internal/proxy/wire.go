// Package proxy implements the Proxy Engine component: forwarding HTTP
// and WebSocket traffic, plus file/archive transfers, between external
// HTTP clients and job processes living on an agent, over the
// bidirectional-stream RPC calls "http_request" and "ws_connect".
package proxy

import (
	"context"
	"encoding/json"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/rpc"
)

// wireMsg is the small typed envelope multiplexed inside one
// bidirectional-stream call's byte-chunk channel, carrying the ordered
// status/headers/body handshake the HTTP and WebSocket passive proxies
// need on top of the RPC layer's raw byte streams.
type wireMsg struct {
	Kind    string              `json:"kind"`
	Status  int                 `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Bool    bool                `json:"bool,omitempty"`
	Size    int64               `json:"size,omitempty"`
}

const (
	kindStatus     = "status"
	kindHeaders    = "headers"
	kindBody       = "body"
	kindBool       = "bool"
	kindFileHeader = "file_header"
)

// wsDirection tags which side a bridged websocket frame came from, per
// WSMessageDirection in the original.
type wsDirection string

const (
	dirJobToClient wsDirection = "job_to_client"
	dirClientToJob wsDirection = "client_to_job"
)

type wsFrame struct {
	Direction wsDirection `json:"direction"`
	Text      bool        `json:"text"`
	Data      []byte      `json:"data"`
	Closed    bool        `json:"-"`
}

func sendMsg(ctx context.Context, s *rpc.Stream, m wireMsg) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.Send(ctx, raw)
}

func recvMsg(ctx context.Context, s *rpc.Stream) (*wireMsg, error) {
	raw, err := s.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var m wireMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apierr.RPC(err)
	}
	return &m, nil
}
