// Package api wires the Control HTTP API (spec.md §6.1) and the
// agent-facing RPC listener onto go-chi routers, and implements the Error
// Middleware that maps apierr.Error values to HTTP responses.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/dispatcher"
	"github.com/datadvance/pRouter/internal/identity"
	"github.com/datadvance/pRouter/internal/proxy"
	"github.com/datadvance/pRouter/internal/registry"
)

// ControlConfig bundles every dependency the control API needs.
type ControlConfig struct {
	Registry   *registry.Registry
	Identity   *identity.Identity
	Dispatcher *dispatcher.Dispatcher
	Proxy      *proxy.Engine
	Exit       ExitFunc
	Logger     *zap.Logger
}

// NewControlRouter builds the control-plane HTTP handler: admin routes,
// job lifecycle routes, and the proxy/file/archive routes addressed under
// /jobs/{conn}/{job}/...
func NewControlRouter(cfg ControlConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(NormalizePath)
	r.Use(DisableCache)

	r.Get("/info", Wrap(infoHandler(cfg.Identity)))
	r.Get("/connections", Wrap(connectionsHandler(cfg.Registry)))
	r.Post("/shutdown", Wrap(shutdownHandler(cfg.Exit)))

	r.Post("/jobs/create", Wrap(jobCreateHandler(cfg.Dispatcher)))
	r.Route("/jobs/{conn}/{job}", func(r chi.Router) {
		r.Post("/remove", Wrap(jobRemoveHandler(cfg.Dispatcher)))
		r.Get("/info", Wrap(jobInfoHandler(cfg.Dispatcher)))
		r.Post("/wait", Wrap(jobWaitHandler(cfg.Dispatcher)))
		r.Post("/start", Wrap(jobStartHandler(cfg.Dispatcher)))
		r.Handle("/http/*", Wrap(jobHTTPHandler(cfg.Proxy)))
		r.Post("/wsconnect/*", Wrap(jobWSActiveHandler(cfg.Proxy)))
		r.Handle("/file/*", Wrap(jobFileHandler(cfg.Proxy)))
		r.Handle("/archive", Wrap(jobArchiveHandler(cfg.Proxy)))
	})

	return r
}

// NewAgentRouter builds the agent-facing HTTP handler: just the single
// /rpc/v1 upgrade route, matching router_app.py's minimal application.
func NewAgentRouter(accept http.HandlerFunc, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Get(registry.AgentRPCPath, accept)
	return r
}
