package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/recipe"
	"github.com/packfarm/packfarm/internal/repo"
	"github.com/packfarm/packfarm/internal/service/jobs"
)

type vesselAPI struct {
	logger *slog.Logger
	jobs   *jobs.Service
}

func newVesselAPI(logger *slog.Logger, svc *jobs.Service) *vesselAPI {
	return &vesselAPI{logger: logger, jobs: svc}
}

func (api *vesselAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", api.handleSubmit)
	mux.HandleFunc("GET /jobs", api.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", api.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/events", api.handleEvents)
	mux.HandleFunc("POST /jobs/{id}/cancel", api.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/reports", api.handleReport)
	mux.HandleFunc("POST /jobs/{id}/published", api.handlePublished)

	mux.HandleFunc("POST /imports", api.handleImport)

	mux.HandleFunc("POST /builders/register", api.handleRegisterBuilder)
	mux.HandleFunc("GET /builders", api.handleListBuilders)

	mux.HandleFunc("GET /sources/{digest}", api.handleSource)
}

// serviceOnly marks the endpoints only other packfarm services may call.
func serviceOnly(r *http.Request) bool {
	p := r.URL.Path
	return strings.HasPrefix(p, "/sources/") ||
		p == "/builders/register" ||
		strings.HasSuffix(p, "/reports") ||
		strings.HasSuffix(p, "/published")
}

func (api *vesselAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rec, err := recipe.Parse(r.Body)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	job, err := api.jobs.SubmitOnce(r.Context(), rec, actor(r), r.Header.Get(client.IdempotencyKeyHeader))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, job)
}

func (api *vesselAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.JobFilter{
		Name:  strings.TrimSpace(q.Get("name")),
		Limit: httpserver.ParseIntQuery(r, "limit", 100),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = domain.NormalizeJobStatus(raw)
		if filter.Status == "" {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("unpublished")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_unpublished")
			return
		}
		filter.Unpublished = v
	}
	list, err := api.jobs.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (api *vesselAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, job)
}

func (api *vesselAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := api.jobs.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (api *vesselAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.Cancel(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, job)
}

func (api *vesselAPI) handleReport(w http.ResponseWriter, r *http.Request) {
	var report domain.Report
	if err := httpserver.DecodeJSON(r, &report); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	id := r.PathValue("id")
	if report.JobID == "" {
		report.JobID = id
	}
	if report.JobID != id {
		httpserver.WriteError(w, r, http.StatusBadRequest, "job_id_mismatch")
		return
	}
	if report.BuilderID == "" {
		// A builder that names itself by its service identity.
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			report.BuilderID, _ = identity.ServiceName()
		}
	}
	job, err := api.jobs.ApplyReport(r.Context(), report)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, job)
}

func (api *vesselAPI) handlePublished(w http.ResponseWriter, r *http.Request) {
	var ack domain.PublishAck
	if err := httpserver.DecodeJSON(r, &ack); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	job, err := api.jobs.AckPublished(r.Context(), r.PathValue("id"), ack)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, job)
}

func (api *vesselAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	var req domain.ImportRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	artifact, err := api.jobs.ImportArtifactOnce(r.Context(), req, actor(r), r.Header.Get(client.IdempotencyKeyHeader))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, artifact)
}

func (api *vesselAPI) handleRegisterBuilder(w http.ResponseWriter, r *http.Request) {
	var info domain.BuilderInfo
	if err := httpserver.DecodeJSON(r, &info); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	registered, err := api.jobs.RegisterBuilder(r.Context(), info)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, registered)
}

func (api *vesselAPI) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	builders, err := api.jobs.ListBuilders(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"builders": builders})
}

func (api *vesselAPI) handleSource(w http.ResponseWriter, r *http.Request) {
	d := digest.Digest(r.PathValue("digest"))
	f, err := api.jobs.OpenSource(d)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d.String())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		api.logger.Warn("source stream interrupted", "digest", d, "request_id", r.Header.Get("X-Request-Id"), "error", err)
	}
}

func (api *vesselAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrInvalidArgument):
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrIntegrity):
		httpserver.WriteErrorDetail(w, r, http.StatusUnprocessableEntity, "integrity", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrBusy):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		api.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func actor(r *http.Request) string {
	return auth.ActorFromContext(r.Context())
}
