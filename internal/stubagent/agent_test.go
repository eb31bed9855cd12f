package stubagent_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/api"
	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/registry"
	"github.com/datadvance/pRouter/internal/stubagent"
)

func TestAgentConnectAndReportsJobCount(t *testing.T) {
	log := zap.NewNop()
	id, err := identity.New("", "router", []string{"tok"}, log)
	require.NoError(t, err)
	reg := registry.New(log, time.Second, false)

	srv := httptest.NewServer(api.NewAgentRouter(api.AcceptAgent(reg, id, log), log))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + registry.AgentRPCPath
	ag := stubagent.New(url, "tok", "worker", nil, log)
	require.NoError(t, ag.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(reg.ServerConnections()) == 1 }, time.Second, 10*time.Millisecond)
	conn, err := reg.ByPeerUID("worker")
	require.NoError(t, err)

	require.Equal(t, 0, ag.RunningJobCount())
	raw, err := conn.CallSimple(context.Background(), "job_count_current_connection")
	require.NoError(t, err)
	require.JSONEq(t, "0", string(raw))
}

func TestAgentConnectFailsAgainstUnreachableRouter(t *testing.T) {
	log := zap.NewNop()
	ag := stubagent.New("ws://127.0.0.1:1/rpc/v1", "tok", "worker", nil, log)
	err := ag.Connect(context.Background())
	require.Error(t, err)
}
