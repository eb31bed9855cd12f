package watcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/rpc"
	"github.com/datadvance/pRouter/internal/watcher"
)

// fakeAgent answers job_count_current_connection with whatever count is
// currently stored, letting the test flip a live connection from busy to
// idle and observe the watcher react.
type fakeAgent struct {
	count int
}

func (f *fakeAgent) install(conn *rpc.Connection) {
	conn.Handle("job_count_current_connection", func(ctx context.Context, call *rpc.IncomingCall) {
		_ = call.SendResult(ctx, f.count)
	})
}

func dialIdlePair(t *testing.T) (serverSide *rpc.Connection, agent *fakeAgent) {
	t.Helper()
	log := zap.NewNop()
	agent = &fakeAgent{count: 1}
	resultCh := make(chan *rpc.Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := rpc.Accept(w, r, map[string]any{"uid": "router"}, log)
		require.NoError(t, err)
		resultCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := rpc.Dial(context.Background(), url, map[string]any{"uid": "router-client"}, log)
	require.NoError(t, err)
	// The watcher polls from serverSide, so the peer (client) is the side
	// that must answer job_count_current_connection.
	agent.install(client)
	serverSide = <-resultCh
	return serverSide, agent
}

func TestWatchClosesOnceIdle(t *testing.T) {
	serverSide, agent := dialIdlePair(t)
	watcher.Watch(serverSide, 20*time.Millisecond, zap.NewNop())

	require.True(t, serverSide.Connected())
	agent.count = 0

	require.Eventually(t, func() bool {
		return !serverSide.Connected()
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatchLeavesBusyConnectionOpen(t *testing.T) {
	serverSide, _ := dialIdlePair(t)
	watcher.Watch(serverSide, 20*time.Millisecond, zap.NewNop())

	time.Sleep(150 * time.Millisecond)
	require.True(t, serverSide.Connected())
	serverSide.Close()
}

func TestWatchStopsPollingAfterExternalClose(t *testing.T) {
	serverSide, _ := dialIdlePair(t)
	watcher.Watch(serverSide, 10*time.Millisecond, zap.NewNop())
	serverSide.Close()
	// The watcher's close-callback must return promptly rather than
	// deadlock waiting on its own poller goroutine.
	require.Eventually(t, func() bool { return !serverSide.Connected() }, time.Second, 10*time.Millisecond)
}
