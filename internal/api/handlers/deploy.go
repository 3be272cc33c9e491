package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/wasmforge/orchestrator/internal/api"
	"github.com/wasmforge/orchestrator/internal/api/middleware"
	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/quota"
	"github.com/wasmforge/orchestrator/internal/store"
	"github.com/wasmforge/orchestrator/internal/streaming"
	"github.com/wasmforge/orchestrator/internal/worker"
)

// DeployRequest is the body of POST /api/v1/deploy. WasmBase64 is the
// standard-encoding base64 of a compiled contract's wasm bytes, normally
// produced by a prior compile Job.
type DeployRequest struct {
	ProjectID  string        `json:"project_id"`
	WasmBase64 string        `json:"wasm_base64"`
	Network    domain.Network `json:"network"`
}

// DeployResponse is returned on successful submission.
type DeployResponse struct {
	JobID  string          `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// DeployHandler implements POST /api/v1/deploy. Unlike compile, deploy is
// quota-gated (§4.5): the request is rejected with QuotaExceeded before a
// Job row or queue message is ever created.
type DeployHandler struct {
	store  jobStore
	broker enqueuer
	quota  quotaAdmitter
	audit  auditRecorder
}

func NewDeployHandler(st *store.Store, broker *streaming.Broker, q *quota.Gate, rec *audit.Recorder) *DeployHandler {
	h := &DeployHandler{store: st, broker: broker, quota: q}
	if rec != nil {
		h.audit = rec
	}
	return h
}

func (h *DeployHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "request body is not valid JSON")
		return
	}
	if req.ProjectID == "" {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "project_id is required")
		return
	}
	if req.WasmBase64 == "" {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "wasm_base64 is required")
		return
	}
	if req.Network == "" {
		req.Network = domain.NetworkTestnet
	}
	if req.Network != domain.NetworkTestnet && req.Network != domain.NetworkMainnet {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "network must be testnet or mainnet")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.WasmBase64); err != nil {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "wasm_base64 does not decode")
		return
	}

	ownerID := middleware.GetUserID(r.Context())
	tier := middleware.GetTier(r.Context())

	allowed, counter, err := h.quota.Admit(r.Context(), domain.UserRef{ID: ownerID, Tier: tier}, quota.ActionDeploy)
	if err != nil && !allowed {
		if apperr.Is(err, apperr.QuotaExceeded) {
			if h.audit != nil {
				h.audit.RecordSafe(r.Context(), audit.Event{OwnerID: ownerID, JobType: domain.JobTypeDeploy, Kind: audit.EventQuotaRejected, Detail: err.Error()})
			}
			api.ErrorWithDetails(w, http.StatusForbidden, api.ErrCodeForbidden, err.Error(),
				apperr.QuotaExceededDetails{Current: counter.Count, Limit: counter.Limit})
			return
		}
		api.Error(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "quota check failed")
		return
	}

	jobID := uuid.New()

	payload := worker.DeployPayload{
		JobID:      jobID.String(),
		OwnerID:    ownerID,
		OwnerTier:  tier,
		ProjectID:  req.ProjectID,
		WasmBase64: req.WasmBase64,
		Network:    req.Network,
	}

	handle, err := h.broker.Enqueue(r.Context(), "deploy", jobID.String(), payload)
	if err != nil {
		api.Error(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "failed to enqueue deploy job")
		return
	}

	job, err := h.store.Create(r.Context(), jobID, ownerID, req.ProjectID, domain.JobTypeDeploy, handle)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to persist job")
		return
	}
	if h.audit != nil {
		h.audit.RecordSafe(r.Context(), audit.Event{JobID: job.ID.String(), OwnerID: ownerID, JobType: domain.JobTypeDeploy, Kind: audit.EventCreated})
	}

	api.JSON(w, http.StatusAccepted, DeployResponse{JobID: job.ID.String(), Status: job.Status})
}
