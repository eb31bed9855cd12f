// Package lifecycle implements the Lifecycle Controller component's
// shutdown side (cmd/prouter starts the agent and control HTTP listeners
// and registers them here): draining connections and servers, and
// resolving the startup circular dependency (the control API's /shutdown route needs a handle
// to something that can shut the control server itself down) the way the
// original's ExitHandler does, via a mutable list of servers populated
// after construction.
package lifecycle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/registry"
)

const shutdownTimeout = 15 * time.Second

// Controller owns the drain sequence: close every live connection, shut
// every registered HTTP server down in reverse registration order, then
// close any connections that appeared in the meantime.
//
// Constructing a Controller before the HTTP servers exist — and handing
// out its Exit method to the control API before any server has been
// added via AddServer — is the Go expression of the original's "nice
// circular dependency" comment: the /shutdown route needs to be able to
// stop the very server it is served from.
type Controller struct {
	log      *zap.Logger
	registry *registry.Registry

	mu      sync.Mutex
	servers []*http.Server

	exitOnce sync.Once
	exitSent bool
	done     chan struct{}
}

// New builds a Controller with no servers registered yet.
func New(reg *registry.Registry, log *zap.Logger) *Controller {
	return &Controller{
		registry: reg,
		log:      log,
		done:     make(chan struct{}),
	}
}

// AddServer registers an HTTP server to be shut down, in reverse order of
// registration, when Exit runs.
func (c *Controller) AddServer(srv *http.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = append(c.servers, srv)
}

// Exit triggers the shutdown sequence in the background and returns
// immediately. Idempotent: a second call is a no-op, matching the
// original's _exit_sent guard.
func (c *Controller) Exit() {
	c.mu.Lock()
	if c.exitSent {
		c.mu.Unlock()
		return
	}
	c.exitSent = true
	c.mu.Unlock()

	c.log.Info("exit request received")
	go c.drain()
}

func (c *Controller) drain() {
	defer close(c.done)

	// Cleanup current connections before disabling the servers, so a
	// close callback racing a server shutdown never finds a socket
	// that's already gone.
	c.registry.CloseAll()

	c.mu.Lock()
	servers := append([]*http.Server(nil), c.servers...)
	c.mu.Unlock()

	for i := len(servers) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := servers[i].Shutdown(ctx); err != nil {
			c.log.Warn("server shutdown error", zap.Error(err))
		}
		cancel()
	}

	// Cleanup any connections that arrived during server shutdown.
	c.registry.CloseAll()
}

// Wait blocks until Exit has run the full drain sequence.
func (c *Controller) Wait() {
	<-c.done
}

// WatchContext calls Exit once ctx is cancelled (SIGINT/SIGTERM via
// signal.NotifyContext in cmd/prouter), matching the original's
// signal-to-exit-handler wiring.
func (c *Controller) WatchContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.Exit()
	}()
}
