package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/registry"
	"github.com/datadvance/pRouter/internal/rpc"
)

// AcceptAgent upgrades an inbound agent connection, validates its
// handshake against the accepted token set, and registers it, mirroring
// prouter/handlers/rpc.py:accept_agent.
func AcceptAgent(reg *registry.Registry, id *identity.Identity, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, handshake, err := rpc.Accept(w, r, id.ServerHandshake(), log)
		if err != nil {
			log.Warn("agent websocket upgrade failed", zap.Error(err))
			return
		}
		if err := id.ValidateIncomingHandshake(handshake); err != nil {
			log.Warn("rejecting agent handshake", zap.Error(err))
			conn.Close()
			return
		}
		if err := reg.Register(conn, handshake); err != nil {
			log.Warn("rejecting duplicate agent connection", zap.Error(err))
			conn.Close()
			return
		}
		log.Info("agent connected", zap.String("uid", conn.PeerUID()), zap.String("conn_id", conn.ID()))
	}
}
