// Package worker implements the Worker Loop (C8): the state machine that
// drives a queued Job through active to a terminal completed/failed
// status, invoking the Compile or Deploy Runner and fanning out logs and
// status transitions as it goes.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/compile"
	"github.com/wasmforge/orchestrator/internal/deploy"
	"github.com/wasmforge/orchestrator/internal/diagnose"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/quota"
	"github.com/wasmforge/orchestrator/internal/store"
	"github.com/wasmforge/orchestrator/internal/streaming"
)

// CompilePayload is the queue payload for a compile job (job.compile.submit).
type CompilePayload struct {
	JobID     string              `json:"job_id"`
	OwnerID   string              `json:"owner_id"`
	ProjectID string              `json:"project_id"`
	Files     []domain.SourceFile `json:"files"`
}

// DeployPayload is the queue payload for a deploy job (job.deploy.submit).
type DeployPayload struct {
	JobID      string        `json:"job_id"`
	OwnerID    string        `json:"owner_id"`
	OwnerTier  domain.Tier   `json:"owner_tier"`
	ProjectID  string        `json:"project_id"`
	WasmBase64 string        `json:"wasm_base64"`
	Network    domain.Network `json:"network"`
}

// jobStore is the subset of *store.Store the loop needs to drive a job
// through its lifecycle. Defined as an interface so the state machine can
// be exercised against a fake in tests without a live Postgres instance.
type jobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	MarkActive(ctx context.Context, jobID string) error
	AppendLogs(ctx context.Context, jobID string, logs []domain.LogRecord) error
	Complete(ctx context.Context, jobID string, result domain.JobResult) (*domain.Job, error)
	Fail(ctx context.Context, jobID string, errMsg string, logsTail []domain.LogRecord) (*domain.Job, error)
	SetDiagnosis(ctx context.Context, jobID string, diagnosis string) error
}

// jobBroker is the subset of *streaming.Broker the loop needs: consuming
// a queue and publishing log/status events onto the bus.
type jobBroker interface {
	Consume(ctx context.Context, queue string, concurrency int, opts streaming.EnqueueOpts, handler func(ctx context.Context, payload []byte) error) error
	PublishLog(ctx context.Context, jobID string, log domain.LogRecord) error
	PublishStatus(ctx context.Context, jobID string, status domain.JobStatus, result *domain.JobResult, errMsg string) error
}

// quotaIncrementer is the single quota.Gate method the loop calls, on
// terminal deploy success only.
type quotaIncrementer interface {
	Increment(ctx context.Context, userID string, tier domain.Tier, action quota.Action) error
}

// logArchiver is the single store.Archiver method the loop calls.
type logArchiver interface {
	ArchiveLogs(ctx context.Context, ownerID, jobID string, fullLogJSONL []byte) error
}

// auditRecorder is the single audit.Recorder method the loop calls.
type auditRecorder interface {
	RecordSafe(ctx context.Context, ev audit.Event)
}

// failureDiagnoser is the subset of *diagnose.Client the loop calls.
type failureDiagnoser interface {
	IsAvailable() bool
	Summarize(ctx context.Context, job *domain.Job) (string, error)
}

// compileRunner is the subset of *compile.Runner the loop calls.
type compileRunner interface {
	Compile(ctx context.Context, req compile.Request, emit compile.EmitLogFunc) (*domain.CompileResult, error)
}

// deployRunner is the subset of *deploy.Runner the loop calls.
type deployRunner interface {
	Deploy(ctx context.Context, projectID string, wasmBytes []byte, network domain.Network, emit deploy.EmitLogFunc) (*domain.DeployResult, error)
}

// Loop ties the queue, store, bus, runners, and side-effect hooks
// together. Broker, Store and the runner for the consumed queue are
// required; a nil Quota, Archiver, Audit, or Diagnose disables that hook
// without affecting the core state machine.
type Loop struct {
	Broker   jobBroker
	Store    jobStore
	Quota    quotaIncrementer
	Compile  compileRunner
	Deploy   deployRunner
	Archiver logArchiver
	Audit    auditRecorder
	Diagnose failureDiagnoser
	logger   *slog.Logger
}

// New constructs a Loop. Supplemental fields (Archiver/Audit/Diagnose)
// may be set directly on the returned value before Start* is called.
func New(broker *streaming.Broker, st *store.Store, q *quota.Gate, compileR *compile.Runner, deployR *deploy.Runner) *Loop {
	return &Loop{
		Broker:  broker,
		Store:   st,
		Quota:   q,
		Compile: compileR,
		Deploy:  deployR,
		logger:  slog.Default().With("component", "worker"),
	}
}

// StartCompileWorker begins consuming the compile queue with the given
// concurrency cap.
func (l *Loop) StartCompileWorker(ctx context.Context, concurrency int) error {
	return l.Broker.Consume(ctx, "compile", concurrency, streaming.EnqueueOpts{}, l.handleCompile)
}

// StartDeployWorker begins consuming the deploy queue with the given
// concurrency cap.
func (l *Loop) StartDeployWorker(ctx context.Context, concurrency int) error {
	return l.Broker.Consume(ctx, "deploy", concurrency, streaming.EnqueueOpts{}, l.handleDeploy)
}

// logSink accumulates emitted log records and mirrors each one to the
// store (AppendLogs) and the bus (PublishLog) as it arrives.
type logSink struct {
	ctx    context.Context
	jobID  string
	st     jobStore
	broker jobBroker
	logger *slog.Logger
	logs   []domain.LogRecord
}

func (s *logSink) emit(rec domain.LogRecord) {
	s.logs = append(s.logs, rec)
	if err := s.st.AppendLogs(s.ctx, s.jobID, s.logs); err != nil {
		s.logger.Warn("append logs failed", "job_id", s.jobID, "error", err)
	}
	if err := s.broker.PublishLog(s.ctx, s.jobID, rec); err != nil {
		s.logger.Warn("publish log failed", "job_id", s.jobID, "error", err)
	}
}

// beginJob performs the idempotency check and the queued->active
// transition shared by both compile and deploy handling. A true skip
// return means the caller should ack without running: either the job is
// already terminal, or the job row is genuinely missing (store unavailable
// after enqueue never creates one, per §4.10) — both cases are acked, not
// naked for redelivery, since redelivery can never resolve them.
func (l *Loop) beginJob(ctx context.Context, jobID string) (job *domain.Job, skip bool, err error) {
	job, err = l.Store.Get(ctx, jobID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			l.logger.Error("job not found for queued payload, acking without processing", "job_id", jobID, "error", err)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("worker: read job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return job, true, nil
	}
	if err := l.Store.MarkActive(ctx, jobID); err != nil {
		return nil, false, fmt.Errorf("worker: mark active %s: %w", jobID, err)
	}
	if err := l.Broker.PublishStatus(ctx, jobID, domain.JobStatusActive, nil, ""); err != nil {
		l.logger.Warn("publish active status failed", "job_id", jobID, "error", err)
	}
	if l.Audit != nil {
		l.Audit.RecordSafe(ctx, audit.Event{JobID: jobID, OwnerID: job.OwnerID, JobType: job.Type, Kind: audit.EventActive})
	}
	return job, false, nil
}

func (l *Loop) handleCompile(ctx context.Context, payload []byte) (err error) {
	var p CompilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("worker: unmarshal compile payload: %w", err)
	}
	logger := l.logger.With("job_id", p.JobID, "job_type", "compile")

	job, skip, err := l.beginJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	if skip {
		logger.Info("job already terminal or missing, ack without running")
		return nil
	}

	sink := &logSink{ctx: ctx, jobID: p.JobID, st: l.Store, broker: l.Broker, logger: l.logger}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("compile runner panicked", "recover", r)
			l.finishFailed(ctx, job, p.JobID, p.OwnerID, domain.JobTypeCompile, fmt.Sprintf("internal error: %v", r), sink.logs)
			panic(r)
		}
	}()

	result, compileErr := l.Compile.Compile(ctx, compile.Request{ProjectID: p.ProjectID, Files: p.Files}, sink.emit)
	if compileErr != nil {
		l.finishFailed(ctx, job, p.JobID, p.OwnerID, domain.JobTypeCompile, compileErr.Error(), sink.logs)
		return nil
	}

	l.finishCompleted(ctx, job, p.JobID, p.OwnerID, domain.JobTypeCompile, domain.JobResult{Compile: result}, sink.logs)
	return nil
}

func (l *Loop) handleDeploy(ctx context.Context, payload []byte) (err error) {
	var p DeployPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("worker: unmarshal deploy payload: %w", err)
	}
	logger := l.logger.With("job_id", p.JobID, "job_type", "deploy")

	job, skip, err := l.beginJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	if skip {
		logger.Info("job already terminal or missing, ack without running")
		return nil
	}

	sink := &logSink{ctx: ctx, jobID: p.JobID, st: l.Store, broker: l.Broker, logger: l.logger}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("deploy runner panicked", "recover", r)
			l.finishFailed(ctx, job, p.JobID, p.OwnerID, domain.JobTypeDeploy, fmt.Sprintf("internal error: %v", r), sink.logs)
			panic(r)
		}
	}()

	wasmBytes, decodeErr := base64.StdEncoding.DecodeString(p.WasmBase64)
	if decodeErr != nil {
		decodeErr = apperr.Wrap(apperr.InvalidWasm, "wasm_base64 does not decode", decodeErr)
		l.finishFailed(ctx, job, p.JobID, p.OwnerID, domain.JobTypeDeploy, decodeErr.Error(), sink.logs)
		return nil
	}

	result, deployErr := l.Deploy.Deploy(ctx, p.ProjectID, wasmBytes, p.Network, sink.emit)
	if deployErr != nil {
		l.finishFailed(ctx, job, p.JobID, p.OwnerID, domain.JobTypeDeploy, deployErr.Error(), sink.logs)
		return nil
	}

	l.finishCompleted(ctx, job, p.JobID, p.OwnerID, domain.JobTypeDeploy, domain.JobResult{Deploy: result}, sink.logs)

	if l.Quota != nil {
		if incErr := l.Quota.Increment(ctx, p.OwnerID, p.OwnerTier, quota.ActionDeploy); incErr != nil {
			logger.Warn("quota increment failed", "error", incErr)
		}
	}
	return nil
}

// finishCompleted performs the write-once Complete write, the terminal
// bus publish, and the best-effort archival supplement.
func (l *Loop) finishCompleted(ctx context.Context, job *domain.Job, jobID, ownerID string, jobType domain.JobType, result domain.JobResult, logs []domain.LogRecord) {
	updated, err := l.Store.Complete(ctx, jobID, result)
	if err != nil {
		l.logger.Error("complete write failed", "job_id", jobID, "error", err)
		return
	}
	if err := l.Broker.PublishStatus(ctx, jobID, domain.JobStatusCompleted, &result, ""); err != nil {
		l.logger.Warn("publish completed status failed", "job_id", jobID, "error", err)
	}
	l.archiveBestEffort(ctx, ownerID, jobID, logs)
	if l.Audit != nil {
		l.Audit.RecordSafe(ctx, audit.Event{JobID: jobID, OwnerID: ownerID, JobType: jobType, Kind: audit.EventCompleted})
	}
	_ = updated
}

// finishFailed performs the write-once Fail write, the terminal bus
// publish, archival, and (if configured) asks the diagnose client for a
// best-effort explanation. None of these may revert the Fail write.
func (l *Loop) finishFailed(ctx context.Context, job *domain.Job, jobID, ownerID string, jobType domain.JobType, errMsg string, logs []domain.LogRecord) {
	updated, err := l.Store.Fail(ctx, jobID, errMsg, logs)
	if err != nil {
		l.logger.Error("fail write failed", "job_id", jobID, "error", err)
		return
	}
	if err := l.Broker.PublishStatus(ctx, jobID, domain.JobStatusFailed, nil, errMsg); err != nil {
		l.logger.Warn("publish failed status failed", "job_id", jobID, "error", err)
	}
	if job != nil {
		l.archiveBestEffort(ctx, job.OwnerID, jobID, logs)
	}
	if l.Audit != nil {
		l.Audit.RecordSafe(ctx, audit.Event{JobID: jobID, OwnerID: ownerID, JobType: jobType, Kind: audit.EventFailed, Detail: errMsg})
	}

	if l.Diagnose != nil && l.Diagnose.IsAvailable() {
		diagnosis, dErr := l.Diagnose.Summarize(ctx, updated)
		if dErr != nil {
			l.logger.Warn("diagnosis failed", "job_id", jobID, "error", dErr)
			return
		}
		if sErr := l.Store.SetDiagnosis(ctx, jobID, diagnosis); sErr != nil {
			l.logger.Warn("set diagnosis failed", "job_id", jobID, "error", sErr)
		}
	}
}

func (l *Loop) archiveBestEffort(ctx context.Context, ownerID, jobID string, logs []domain.LogRecord) {
	if l.Archiver == nil {
		return
	}
	data, err := json.Marshal(logs)
	if err != nil {
		l.logger.Warn("archive marshal failed", "job_id", jobID, "error", err)
		return
	}
	if err := l.Archiver.ArchiveLogs(ctx, ownerID, jobID, data); err != nil {
		l.logger.Warn("archive upload failed", "job_id", jobID, "error", err)
	}
}
