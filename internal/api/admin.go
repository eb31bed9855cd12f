package api

import (
	"net/http"

	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/registry"
)

// connectionSummary is one entry of the shape returned by GET
// /connections, matching the original's admin.connections handler: peer
// is the full handshake envelope the connection presented, not just its
// uid.
type connectionSummary struct {
	UID  string         `json:"uid"`
	Mode string         `json:"mode"`
	Peer map[string]any `json:"peer"`
}

type connectionsEnvelope struct {
	Connections []connectionSummary `json:"connections"`
}

func infoHandler(id *identity.Identity) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		Ok(w, id.ServerHandshake())
		return nil
	}
}

func connectionsHandler(reg *registry.Registry) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		conns := reg.Connections()
		out := make([]connectionSummary, 0, len(conns))
		for _, c := range conns {
			out = append(out, connectionSummary{
				UID:  c.ID(),
				Mode: string(c.Mode()),
				Peer: c.HandshakeData(),
			})
		}
		Ok(w, connectionsEnvelope{Connections: out})
		return nil
	}
}

// ExitFunc triggers the lifecycle controller's shutdown sequence. It must
// not block: the controller schedules the actual drain and returns
// immediately, exactly like the original's idempotent ExitHandler.
type ExitFunc func()

func shutdownHandler(exit ExitFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		exit()
		NoContent(w)
		return nil
	}
}
