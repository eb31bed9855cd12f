package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc is the signature every control-API route handler uses;
// errors flow back through WriteError instead of being handled ad hoc at
// each call site, the Error Middleware component from spec.md §4.8.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Wrap adapts a HandlerFunc to a standard http.HandlerFunc, rendering any
// returned error through WriteError.
func Wrap(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			WriteError(w, err)
		}
	}
}

// RequestLogger logs each request's method, path, status and duration at
// debug level, in arkeep's RequestLogger style.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// NormalizePath strips a trailing slash from the request path without
// issuing a redirect, mirroring aiohttp's
// normalize_path_middleware(append_slash=False) used by control_app.py.
func NormalizePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > 1 && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimRight(r.URL.Path, "/")
		}
		next.ServeHTTP(w, r)
	})
}

// DisableCache sets headers that stop intermediaries and browsers from
// caching administrative responses, mirroring the original's
// disable_cache on_response_prepare hook: the control API always
// reflects live agent state.
func DisableCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
