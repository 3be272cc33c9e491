package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wasmforge/orchestrator/internal/api"
	"github.com/wasmforge/orchestrator/internal/api/middleware"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/store"
)

const defaultJobListLimit = 50
const maxJobListLimit = 200

// GetJobHandler implements GET /api/v1/jobs/{id}.
type GetJobHandler struct {
	store jobStore
}

func NewGetJobHandler(st *store.Store) *GetJobHandler {
	return &GetJobHandler{store: st}
}

func (h *GetJobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if jobID == "" {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "job id is required")
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if store.IsNotFound(err) {
			api.Error(w, http.StatusNotFound, api.ErrCodeNotFound, "job not found")
			return
		}
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to load job")
		return
	}

	if job.OwnerID != middleware.GetUserID(r.Context()) {
		api.Error(w, http.StatusNotFound, api.ErrCodeNotFound, "job not found")
		return
	}

	api.JSON(w, http.StatusOK, job)
}

// ListJobsHandler implements GET /api/v1/jobs. Results are scoped to the
// caller's own jobs; project_id, status, and type are optional filters.
type ListJobsHandler struct {
	store jobStore
}

func NewListJobsHandler(st *store.Store) *ListJobsHandler {
	return &ListJobsHandler{store: st}
}

func (h *ListJobsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerID := middleware.GetUserID(r.Context())
	projectID := q.Get("project_id")
	status := domain.JobStatus(q.Get("status"))
	jobType := domain.JobType(q.Get("type"))

	limit := defaultJobListLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxJobListLimit {
		limit = maxJobListLimit
	}

	jobs, err := h.store.List(r.Context(), ownerID, projectID, status, jobType, limit)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to list jobs")
		return
	}

	api.JSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
