package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/service/builds"
)

type avalancheAPI struct {
	logger *slog.Logger
	builds *builds.Service
}

func newAvalancheAPI(logger *slog.Logger, svc *builds.Service) *avalancheAPI {
	return &avalancheAPI{logger: logger, builds: svc}
}

func (api *avalancheAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /builds", api.handleDispatch)
	mux.HandleFunc("GET /builds/{job_id}", api.handleGetBuild)
	mux.HandleFunc("POST /builds/{job_id}/cancel", api.handleCancel)
	mux.HandleFunc("GET /status", api.handleStatus)
	mux.HandleFunc("GET /assets/{digest}", api.handleAsset)
}

// serviceOnly keeps build control with the coordinator. Status and assets
// stay readable by any authenticated viewer.
func serviceOnly(r *http.Request) bool {
	return r.Method == http.MethodPost
}

func (api *avalancheAPI) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BuildRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	build, err := api.builds.Dispatch(r.Context(), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, build)
}

func (api *avalancheAPI) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := api.builds.Get(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, build)
}

func (api *avalancheAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	build, err := api.builds.Cancel(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, build)
}

func (api *avalancheAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, api.builds.Status())
}

func (api *avalancheAPI) handleAsset(w http.ResponseWriter, r *http.Request) {
	d := digest.Digest(r.PathValue("digest"))
	body, info, err := api.builds.Asset(r.Context(), d)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer body.Close()
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Docker-Content-Digest", d.String())
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		api.logger.Warn("asset stream interrupted", "digest", d, "request_id", r.Header.Get("X-Request-Id"), "error", err)
	}
}

func (api *avalancheAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrInvalidArgument):
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrBusy):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, domain.ErrConflict):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		api.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
