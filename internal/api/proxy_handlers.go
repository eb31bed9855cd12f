package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/proxy"
)

func jobHTTPHandler(p *proxy.Engine) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		connID, jobUID := chi.URLParam(r, "conn"), chi.URLParam(r, "job")
		path := "/" + chi.URLParam(r, "*")
		if websocketUpgradeRequested(r) {
			return p.ServeWebSocket(w, r, connID, jobUID, path)
		}
		return p.ServeHTTP(w, r, connID, jobUID, path)
	}
}

func websocketUpgradeRequested(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket" || r.Header.Get("Connection") == "Upgrade"
}

// activeBridgeBody is SCHEMA_PROXY_ACTIVE from the original's proxy.py:
// {"url": string}, additionalProperties false.
type activeBridgeBody struct {
	URL string `json:"url"`
}

func jobWSActiveHandler(p *proxy.Engine) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		connID, jobUID := chi.URLParam(r, "conn"), chi.URLParam(r, "job")
		path := "/" + chi.URLParam(r, "*")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxJobRequestBody))
		if err != nil {
			return apierr.InvalidRequest("reading request body: %v", err)
		}
		var payload activeBridgeBody
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil || payload.URL == "" {
			return apierr.InvalidRequest("invalid request payload: expected {\"url\": string}")
		}
		targetURL, err := url.Parse(payload.URL)
		if err != nil {
			return apierr.InvalidRequest("invalid url: %v", err)
		}
		return p.ProxyActive(w, r, connID, jobUID, path, targetURL)
	}
}

func jobFileHandler(p *proxy.Engine) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		connID, jobUID := chi.URLParam(r, "conn"), chi.URLParam(r, "job")
		fspath := chi.URLParam(r, "*")
		q := r.URL.Query()
		switch r.Method {
		case http.MethodGet:
			opts := proxy.FileOptions{Remove: boolQuery(q, "remove")}
			return p.DownloadFile(r.Context(), w, connID, jobUID, fspath, opts)
		case http.MethodPost:
			if r.Header.Get("Content-Type") != "application/octet-stream" {
				return apierr.InvalidRequest("unsupported content type for HTTP upload")
			}
			if r.ContentLength < 0 {
				return apierr.InvalidRequest("no Content-Length provided")
			}
			opts := proxy.FileOptions{Executable: boolQuery(q, "executable")}
			if err := p.UploadFile(r.Context(), r.Body, r.ContentLength, connID, jobUID, fspath, opts); err != nil {
				return err
			}
			NoContent(w)
			return nil
		default:
			return apierr.InvalidRequest("unsupported HTTP method")
		}
	}
}

func jobArchiveHandler(p *proxy.Engine) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		connID, jobUID := chi.URLParam(r, "conn"), chi.URLParam(r, "job")
		q := r.URL.Query()
		switch r.Method {
		case http.MethodGet:
			opts := proxy.ArchiveOptions{Compress: boolQuery(q, "compress")}
			if v := q.Get("include"); v != "" {
				opts.Include = &v
			}
			if v := q.Get("exclude"); v != "" {
				opts.Exclude = &v
			}
			return p.DownloadArchive(r.Context(), w, connID, jobUID, opts)
		case http.MethodPost:
			if r.Header.Get("Content-Type") != "application/octet-stream" {
				return apierr.InvalidRequest("unsupported content type for HTTP upload")
			}
			if r.ContentLength < 0 {
				return apierr.InvalidRequest("no Content-Length provided")
			}
			if err := p.UploadArchive(r.Context(), r.Body, r.ContentLength, connID, jobUID); err != nil {
				return err
			}
			NoContent(w)
			return nil
		default:
			return apierr.InvalidRequest("unsupported HTTP method")
		}
	}
}

func boolQuery(q url.Values, key string) bool {
	v, err := strconv.ParseBool(q.Get(key))
	if err != nil {
		return false
	}
	return v
}
