package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datadvance/pRouter/internal/apierr"
	"github.com/datadvance/pRouter/internal/dispatcher"
)

const maxJobRequestBody = 1 << 20 // 1MB, matching arkeep's decodeJSON limit.

func jobCreateHandler(d *dispatcher.Dispatcher) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxJobRequestBody))
		if err != nil {
			return apierr.InvalidRequest("reading request body: %v", err)
		}
		info, err := d.JobCreate(r.Context(), body)
		if err != nil {
			return err
		}
		Ok(w, info)
		return nil
	}
}

func jobRemoveHandler(d *dispatcher.Dispatcher) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		info, err := d.JobRemove(r.Context(), chi.URLParam(r, "conn"), chi.URLParam(r, "job"))
		if err != nil {
			return err
		}
		Ok(w, info)
		return nil
	}
}

func jobWaitHandler(d *dispatcher.Dispatcher) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		info, err := d.JobWait(r.Context(), chi.URLParam(r, "conn"), chi.URLParam(r, "job"))
		if err != nil {
			return err
		}
		Ok(w, info)
		return nil
	}
}

func jobInfoHandler(d *dispatcher.Dispatcher) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		info, err := d.JobInfo(r.Context(), chi.URLParam(r, "conn"), chi.URLParam(r, "job"))
		if err != nil {
			return err
		}
		Ok(w, info)
		return nil
	}
}

func jobStartHandler(d *dispatcher.Dispatcher) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxJobRequestBody))
		if err != nil {
			return apierr.InvalidRequest("reading request body: %v", err)
		}
		info, err := d.JobStart(r.Context(), chi.URLParam(r, "conn"), chi.URLParam(r, "job"), body)
		if err != nil {
			return err
		}
		Ok(w, info)
		return nil
	}
}
