package registry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/registry"
	"github.com/datadvance/pRouter/internal/rpc"
)

// dialPair spins up an httptest.Server speaking rpc.Accept on one route
// and dials into it with rpc.Dial, returning both sides' Connection
// objects — the minimal fixture registry tests need without bringing in
// the whole stub agent.
func dialPair(t *testing.T, handshake map[string]any) (server, client *rpc.Connection) {
	t.Helper()
	log := zap.NewNop()
	resultCh := make(chan *rpc.Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := rpc.Accept(w, r, authHandshake("router"), log)
		require.NoError(t, err)
		resultCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := rpc.Dial(context.Background(), url, handshake, log)
	require.NoError(t, err)
	server = <-resultCh
	return server, client
}

// authHandshake builds a handshake with uid nested under "auth", matching
// the shape identity.GetUID/ValidateIncomingHandshake expect.
func authHandshake(uid string) map[string]any {
	return map[string]any{"auth": map[string]any{"uid": uid, "name": uid}}
}

func TestRegisterRejectsDuplicatePeerUID(t *testing.T) {
	reg := registry.New(zap.NewNop(), time.Second, false)

	s1, _ := dialPair(t, authHandshake("agent-1"))
	require.NoError(t, reg.Register(s1, authHandshake("agent-1")))

	s2, _ := dialPair(t, authHandshake("agent-1"))
	err := reg.Register(s2, authHandshake("agent-1"))
	require.Error(t, err)
}

func TestUnregisterFiresOnClose(t *testing.T) {
	reg := registry.New(zap.NewNop(), time.Second, false)
	s1, _ := dialPair(t, authHandshake("agent-2"))
	require.NoError(t, reg.Register(s1, authHandshake("agent-2")))

	_, err := reg.ByPeerUID("agent-2")
	require.NoError(t, err)

	s1.Close()
	require.Eventually(t, func() bool {
		_, err := reg.ByPeerUID("agent-2")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionLookupMissReturnsConnectionNotFound(t *testing.T) {
	reg := registry.New(zap.NewNop(), time.Second, false)
	_, err := reg.Connection("does-not-exist")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection")
	require.Contains(t, err.Error(), "not found")
	_, err = reg.ByPeerUID("does-not-exist")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection")
	require.Contains(t, err.Error(), "not found")
}

func TestServerConnectionsExcludesClientMode(t *testing.T) {
	reg := registry.New(zap.NewNop(), time.Second, false)
	s1, c1 := dialPair(t, authHandshake("agent-3"))
	require.NoError(t, reg.Register(s1, authHandshake("agent-3")))
	require.NoError(t, reg.Register(c1, authHandshake("agent-3")))
	require.Len(t, reg.ServerConnections(), 1)
	require.Len(t, reg.Connections(), 2)
}
