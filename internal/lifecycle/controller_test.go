package lifecycle_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/lifecycle"
	"github.com/datadvance/pRouter/internal/registry"
)

func listenHTTP(t *testing.T) (*http.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.NewServeMux()}
	go srv.Serve(ln) //nolint:errcheck
	return srv, ln.Addr().String()
}

func TestExitIsIdempotent(t *testing.T) {
	reg := registry.New(zap.NewNop(), time.Second, false)
	ctrl := lifecycle.New(reg, zap.NewNop())
	srv, _ := listenHTTP(t)
	ctrl.AddServer(srv)

	ctrl.Exit()
	ctrl.Exit() // must not panic or double-close the server

	done := make(chan struct{})
	go func() { ctrl.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}
}

func TestWatchContextTriggersExit(t *testing.T) {
	reg := registry.New(zap.NewNop(), time.Second, false)
	ctrl := lifecycle.New(reg, zap.NewNop())
	srv, _ := listenHTTP(t)
	ctrl.AddServer(srv)

	ctx, cancel := context.WithCancel(context.Background())
	ctrl.WatchContext(ctx)
	cancel()

	done := make(chan struct{})
	go func() { ctrl.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete after context cancellation")
	}
}
