// Package store implements the Job Store (C4): durable job records backed
// by PostgreSQL, plus a supplemental archival path to S3-compatible object
// storage for the full log stream beyond the bounded tail kept here.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/domain"
)

// maxLogTail is K in the truncated-tail replace design (§4.4): the store
// persists at most the last K log records.
const maxLogTail = 500

// IsNotFound reports whether err indicates the record does not exist.
func IsNotFound(err error) bool {
	return apperr.Is(err, apperr.NotFound)
}

// Store wraps a pgx connection pool and implements the Job Store contract.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL using dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Create inserts a new queued Job under the caller-supplied id. The id must
// be generated before the broker handle so both the stored row and the
// queue payload agree on it. Fails with apperr.Duplicate if brokerHandle
// already exists.
func (s *Store) Create(ctx context.Context, id uuid.UUID, ownerID, projectID string, jobType domain.JobType, brokerHandle string) (*domain.Job, error) {
	now := time.Now().UTC()
	j := &domain.Job{
		ID:           id,
		Type:         jobType,
		Status:       domain.JobStatusQueued,
		OwnerID:      ownerID,
		ProjectID:    projectID,
		BrokerHandle: brokerHandle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, owner_id, project_id, broker_handle, log_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, j.ID, j.Type, j.Status, j.OwnerID, j.ProjectID, j.BrokerHandle, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.Duplicate, fmt.Sprintf("broker handle %s already exists", brokerHandle))
		}
		return nil, fmt.Errorf("store: create job: %w", err)
	}
	return j, nil
}

// MarkActive transitions queued -> active. Idempotent if already active.
func (s *Store) MarkActive(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, domain.JobStatusActive, time.Now().UTC(), jobID, domain.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("store: mark active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already active (idempotent no-op) or the job doesn't exist;
		// distinguish by reading it back.
		j, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if j.Status == domain.JobStatusActive || j.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("store: mark active: unexpected state %s", j.Status)
	}
	return nil
}

// AppendLogs replaces the persisted log tail with the last K entries of
// logs and bumps the monotonically increasing count.
func (s *Store) AppendLogs(ctx context.Context, jobID string, logs []domain.LogRecord) error {
	tail := logs
	if len(tail) > maxLogTail {
		tail = tail[len(tail)-maxLogTail:]
	}

	data, err := json.Marshal(tail)
	if err != nil {
		return fmt.Errorf("store: marshal logs: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET logs_json = $1, log_count = $2, updated_at = $3
		WHERE id = $4
	`, data, len(logs), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("store: append logs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("job %s", jobID))
	}
	return nil
}

// Complete is a write-once terminal write. A second invocation is a no-op
// that returns the previously recorded Job.
func (s *Store) Complete(ctx context.Context, jobID string, result domain.JobResult) (*domain.Job, error) {
	resultData, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("store: marshal result: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, result_json = $2, updated_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, domain.JobStatusCompleted, resultData, now, jobID, domain.JobStatusCompleted, domain.JobStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("store: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.Get(ctx, jobID)
	}
	return s.Get(ctx, jobID)
}

// Fail is a write-once terminal write; also persists the final log tail.
func (s *Store) Fail(ctx context.Context, jobID string, errMsg string, logsTail []domain.LogRecord) (*domain.Job, error) {
	tail := logsTail
	if len(tail) > maxLogTail {
		tail = tail[len(tail)-maxLogTail:]
	}
	logsData, err := json.Marshal(tail)
	if err != nil {
		return nil, fmt.Errorf("store: marshal logs: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, logs_json = $3, log_count = $4, updated_at = $5
		WHERE id = $6 AND status NOT IN ($7, $8)
	`, domain.JobStatusFailed, errMsg, logsData, len(logsTail), now, jobID,
		domain.JobStatusCompleted, domain.JobStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("store: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.Get(ctx, jobID)
	}
	return s.Get(ctx, jobID)
}

// SetDiagnosis attaches a best-effort failure explanation to a job. Never
// blocks or reverts the terminal write; callers treat errors as non-fatal.
func (s *Store) SetDiagnosis(ctx context.Context, jobID string, diagnosis string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET diagnosis = $1 WHERE id = $2`, diagnosis, jobID)
	if err != nil {
		return fmt.Errorf("store: set diagnosis: %w", err)
	}
	return nil
}

// Get returns the full persisted record.
func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var j domain.Job
	var resultData, logsData []byte
	var errMsg, diagnosis *string

	err := s.pool.QueryRow(ctx, `
		SELECT id, type, status, owner_id, project_id, broker_handle,
			result_json, error, logs_json, log_count, diagnosis, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID).Scan(
		&j.ID, &j.Type, &j.Status, &j.OwnerID, &j.ProjectID, &j.BrokerHandle,
		&resultData, &errMsg, &logsData, &j.LogCount, &diagnosis, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("job %s", jobID))
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}

	if errMsg != nil {
		j.Error = *errMsg
	}
	if diagnosis != nil {
		j.Diagnosis = *diagnosis
	}
	if len(resultData) > 0 {
		var r domain.JobResult
		if err := json.Unmarshal(resultData, &r); err == nil {
			j.Result = &r
		}
	}
	if len(logsData) > 0 {
		_ = json.Unmarshal(logsData, &j.Logs)
	}

	return &j, nil
}

// List returns jobs owned by ownerID, optionally filtered, newest first,
// bounded by limit.
func (s *Store) List(ctx context.Context, ownerID string, projectID string, status domain.JobStatus, jobType domain.JobType, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, type, status, owner_id, project_id, broker_handle,
			result_json, error, logs_json, log_count, diagnosis, created_at, updated_at
		FROM jobs WHERE owner_id = $1
	`
	args := []any{ownerID}

	if projectID != "" {
		args = append(args, projectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if jobType != "" {
		args = append(args, jobType)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		var resultData, logsData []byte
		var errMsg, diagnosis *string
		if err := rows.Scan(
			&j.ID, &j.Type, &j.Status, &j.OwnerID, &j.ProjectID, &j.BrokerHandle,
			&resultData, &errMsg, &logsData, &j.LogCount, &diagnosis, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		if errMsg != nil {
			j.Error = *errMsg
		}
		if diagnosis != nil {
			j.Diagnosis = *diagnosis
		}
		if len(resultData) > 0 {
			var r domain.JobResult
			if err := json.Unmarshal(resultData, &r); err == nil {
				j.Result = &r
			}
		}
		if len(logsData) > 0 {
			_ = json.Unmarshal(logsData, &j.Logs)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
