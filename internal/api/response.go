package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datadvance/pRouter/internal/apierr"
)

// JSON writes v as a JSON body with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Ok writes a 200 JSON response.
func Ok(w http.ResponseWriter, v any) { JSON(w, http.StatusOK, v) }

// NoContent writes an empty 200 response, matching the original's
// shutdown/upload handlers that return aiohttp.web.Response() with no
// body.
func NoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusOK) }

type errEnvelope struct {
	Error string `json:"error"`
}

// WriteError maps an apierr.Error (or any error wrapping one) to the HTTP
// status the Error Middleware contract defines and writes a small JSON
// error body. Errors that are not apierr.Errors are treated as internal.
func WriteError(w http.ResponseWriter, err error) {
	status, message := classify(err)
	JSON(w, status, errEnvelope{Error: message})
}

func classify(err error) (int, string) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, err.Error()
	}
	switch ae.Kind {
	case apierr.KindInvalidRequest:
		return http.StatusBadRequest, ae.Error()
	case apierr.KindSchema:
		return http.StatusBadRequest, "Invalid request payload:\n" + ae.Error()
	case apierr.KindAuth:
		return http.StatusUnauthorized, ae.Error()
	case apierr.KindConnectionNotFound:
		return http.StatusNotFound, ae.Error()
	case apierr.KindJobNotFound:
		return http.StatusNotFound, ae.Error()
	case apierr.KindNoSuitableHost:
		return http.StatusBadRequest, ae.Error()
	case apierr.KindUploadMismatch:
		return http.StatusInternalServerError, ae.Error()
	case apierr.KindRPCMethod:
		return http.StatusInternalServerError, ae.Error()
	case apierr.KindRPC:
		return http.StatusBadGateway, ae.Error()
	case apierr.KindShutdownRequested:
		return http.StatusServiceUnavailable, ae.Error()
	default:
		return http.StatusInternalServerError, ae.Error()
	}
}
