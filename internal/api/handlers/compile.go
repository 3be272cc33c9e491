package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/wasmforge/orchestrator/internal/api"
	"github.com/wasmforge/orchestrator/internal/api/middleware"
	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/store"
	"github.com/wasmforge/orchestrator/internal/streaming"
	"github.com/wasmforge/orchestrator/internal/worker"
)

// maxSourceFiles caps the number of files in a single compile request;
// compile is unbounded by quota (internal/quota.ActionCompile), so this and
// the router's request body size limit are the guards against an oversized
// submission.
const maxSourceFiles = 200

// CompileRequest is the body of POST /api/v1/compile.
type CompileRequest struct {
	ProjectID string              `json:"project_id"`
	Files     []domain.SourceFile `json:"files"`
}

// CompileResponse is returned on successful submission.
type CompileResponse struct {
	JobID  string          `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// CompileHandler implements POST /api/v1/compile: it creates a queued Job
// and enqueues the compile payload. Quota is not checked here -- compile is
// unbounded for every tier.
type CompileHandler struct {
	store  jobStore
	broker enqueuer
	audit  auditRecorder
}

func NewCompileHandler(st *store.Store, broker *streaming.Broker, rec *audit.Recorder) *CompileHandler {
	h := &CompileHandler{store: st, broker: broker}
	if rec != nil {
		h.audit = rec
	}
	return h
}

func (h *CompileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "request body is not valid JSON")
		return
	}
	if req.ProjectID == "" {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "project_id is required")
		return
	}
	if len(req.Files) == 0 {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "files must not be empty")
		return
	}
	if len(req.Files) > maxSourceFiles {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "too many files in submission")
		return
	}

	ownerID := middleware.GetUserID(r.Context())
	jobID := uuid.New()

	payload := worker.CompilePayload{
		JobID:     jobID.String(),
		OwnerID:   ownerID,
		ProjectID: req.ProjectID,
		Files:     req.Files,
	}

	handle, err := h.broker.Enqueue(r.Context(), "compile", jobID.String(), payload)
	if err != nil {
		api.Error(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "failed to enqueue compile job")
		return
	}

	job, err := h.store.Create(r.Context(), jobID, ownerID, req.ProjectID, domain.JobTypeCompile, handle)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to persist job")
		return
	}
	if h.audit != nil {
		h.audit.RecordSafe(r.Context(), audit.Event{JobID: job.ID.String(), OwnerID: ownerID, JobType: domain.JobTypeCompile, Kind: audit.EventCreated})
	}

	api.JSON(w, http.StatusAccepted, CompileResponse{JobID: job.ID.String(), Status: job.Status})
}
