// Package registry implements the Connection Registry component: the
// single source of truth mapping connection ids and peer uids to live
// rpc.Connection objects.
package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/rpc"
)

// AgentRPCPath is the single route agents speak the multiplexed RPC
// protocol on.
const AgentRPCPath = "/rpc/v1"

// Registry tracks every live connection, indexed both by the router's own
// connection id and, for SERVER-mode (agent-initiated) connections, by
// the peer's declared identity uid.
//
// All mutation goes through one mutex guarding both indices together, so
// a lookup by either key during a register/unregister transition never
// observes one index updated and the other stale.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]*rpc.Connection
	byPeerUID    map[string]*rpc.Connection
	log          *zap.Logger
	debug        bool
	pollingDelay time.Duration
}

// New builds an empty Registry. pollingDelay is the idle watcher's poll
// interval for CLIENT-mode connections (spec.md §6.3 client.polling_delay).
func New(log *zap.Logger, pollingDelay time.Duration, debug bool) *Registry {
	return &Registry{
		byID:         make(map[string]*rpc.Connection),
		byPeerUID:    make(map[string]*rpc.Connection),
		log:          log,
		debug:        debug,
		pollingDelay: pollingDelay,
	}
}

// Debug reports whether verbose per-connection tracing was requested
// (the --connection-debug CLI flag).
func (r *Registry) Debug() bool { return r.debug }

// PollingDelay returns the idle watcher's poll interval.
func (r *Registry) PollingDelay() time.Duration { return r.pollingDelay }

// Register adds conn to the registry, validating the invariants: the
// connection id must be unseen, and for SERVER-mode connections the
// peer's uid must not already be registered (one live connection per
// agent identity). On success it installs the unregister close-callback,
// so the connection is removed from both indices, exactly once, whenever
// it closes — regardless of why.
func (r *Registry) Register(conn *rpc.Connection, handshake map[string]any) error {
	uid, _ := identity.GetUID(handshake)

	r.mu.Lock()
	if _, exists := r.byID[conn.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: connection id %q already registered", conn.ID())
	}
	if conn.Mode() == rpc.ModeServer {
		if _, exists := r.byPeerUID[uid]; exists {
			r.mu.Unlock()
			return fmt.Errorf("registry: peer uid %q already has a live connection", uid)
		}
	}
	conn.SetPeerUID(uid)
	r.byID[conn.ID()] = conn
	if conn.Mode() == rpc.ModeServer {
		r.byPeerUID[uid] = conn
	}
	r.mu.Unlock()

	conn.OnClose(r.unregister)
	if r.debug {
		r.log.Debug("connection registered", zap.String("id", conn.ID()), zap.String("peer_uid", uid), zap.String("mode", string(conn.Mode())))
	}
	return nil
}

func (r *Registry) unregister(conn *rpc.Connection) {
	r.mu.Lock()
	delete(r.byID, conn.ID())
	if conn.Mode() == rpc.ModeServer {
		delete(r.byPeerUID, conn.PeerUID())
	}
	r.mu.Unlock()
	if r.debug {
		r.log.Debug("connection unregistered", zap.String("id", conn.ID()))
	}
}

// Connection looks up a connection by its router-assigned id.
func (r *Registry) Connection(id string) (*rpc.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	if !ok {
		return nil, apierr.ConnectionNotFound("connection %q not found", id)
	}
	return conn, nil
}

// ByPeerUID looks up a SERVER-mode connection by the identity uid its
// agent presented at handshake time.
func (r *Registry) ByPeerUID(uid string) (*rpc.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byPeerUID[uid]
	if !ok {
		return nil, apierr.ConnectionNotFound("connection for agent uid %q not found", uid)
	}
	return conn, nil
}

// Connections returns a point-in-time snapshot of every live connection.
func (r *Registry) Connections() []*rpc.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*rpc.Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// ServerConnections returns a snapshot restricted to agent-initiated
// (SERVER-mode) connections, the population the agent selector chooses
// from for the "select" job-create locator.
func (r *Registry) ServerConnections() []*rpc.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*rpc.Connection, 0, len(r.byPeerUID))
	for _, c := range r.byPeerUID {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every currently registered connection. Used by the
// lifecycle controller during shutdown; Register's unregister callback
// keeps the indices consistent as each Close fires.
func (r *Registry) CloseAll() {
	for _, c := range r.Connections() {
		c.Close()
	}
}
