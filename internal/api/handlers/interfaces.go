package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/quota"
	"github.com/wasmforge/orchestrator/internal/store"
	"github.com/wasmforge/orchestrator/internal/streaming"
)

// jobStore is the subset of *store.Store the HTTP handlers need, narrowed
// the same way internal/worker narrows its own store dependency: small
// package-local interfaces sized to the methods actually called, so tests
// can supply a fake instead of a live Postgres connection.
type jobStore interface {
	Create(ctx context.Context, id uuid.UUID, ownerID, projectID string, jobType domain.JobType, brokerHandle string) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, ownerID string, projectID string, status domain.JobStatus, jobType domain.JobType, limit int) ([]domain.Job, error)
}

// enqueuer is the subset of *streaming.Broker the submission handlers need.
type enqueuer interface {
	Enqueue(ctx context.Context, queue string, jobID string, payload any) (string, error)
}

// quotaAdmitter is the subset of *quota.Gate the deploy handler needs.
type quotaAdmitter interface {
	Admit(ctx context.Context, user domain.UserRef, action quota.Action) (bool, domain.Counter, error)
}

// auditRecorder is the subset of *audit.Recorder the submission handlers
// need: a best-effort, never-blocking append. A nil auditRecorder field is
// valid and simply skips recording, so tests and partial wiring don't need
// a fake.
type auditRecorder interface {
	RecordSafe(ctx context.Context, ev audit.Event)
}

var (
	_ jobStore      = (*store.Store)(nil)
	_ enqueuer      = (*streaming.Broker)(nil)
	_ quotaAdmitter = (*quota.Gate)(nil)
	_ auditRecorder = (*audit.Recorder)(nil)
)
