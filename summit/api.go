package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/repo"
	"github.com/packfarm/packfarm/internal/service/index"
)

type summitAPI struct {
	logger *slog.Logger
	index  *index.Service
}

func newSummitAPI(logger *slog.Logger, svc *index.Service) *summitAPI {
	return &summitAPI{logger: logger, index: svc}
}

func (api *summitAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /artifacts", api.handlePublish)
	mux.HandleFunc("GET /artifacts", api.handleList)
	mux.HandleFunc("GET /artifacts/{id}", api.handleGet)
}

// serviceOnly keeps publishing with vessel; operators import through vessel.
func serviceOnly(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == "/artifacts"
}

func (api *summitAPI) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req domain.PublishRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	artifact, created, err := api.index.Publish(r.Context(), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpserver.WriteJSON(w, status, client.PublishResult{Artifact: artifact, Created: created})
}

func (api *summitAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ArtifactFilter{
		Name:    strings.TrimSpace(q.Get("name")),
		Version: strings.TrimSpace(q.Get("version")),
		Limit:   httpserver.ParseIntQuery(r, "limit", 100),
	}
	if raw := strings.TrimSpace(q.Get("release")); raw != "" {
		release, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || release < 1 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_release")
			return
		}
		filter.Release = release
	}
	if raw := strings.TrimSpace(q.Get("latest")); raw != "" {
		latest, err := strconv.ParseBool(raw)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_latest")
			return
		}
		filter.Latest = latest
	}

	artifacts, err := api.index.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []domain.PublishedArtifact{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (api *summitAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	artifact, err := api.index.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, artifact)
}

func (api *summitAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrInvalidArgument):
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrIntegrity):
		httpserver.WriteErrorDetail(w, r, http.StatusUnprocessableEntity, "integrity", err.Error())
	case errors.Is(err, domain.ErrConflict):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		api.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
