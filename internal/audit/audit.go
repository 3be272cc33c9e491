// Package audit implements the Receipt/Audit Hooks (C10) supplemental
// event trail: an append-only, time-queried record of job lifecycle
// transitions, held in ClickHouse rather than Postgres because it is
// high-volume and never mutated after insert. Mutable Job state stays in
// Postgres (internal/store) and quota counters in Redis (internal/quota);
// this package only appends.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/wasmforge/orchestrator/internal/domain"
)

// EventKind names one job-lifecycle transition recorded to the trail.
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventActive         EventKind = "active"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventQuotaRejected  EventKind = "quota_rejected"
)

// Event is one append-only row.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	JobID     string          `json:"job_id"`
	OwnerID   string          `json:"owner_id"`
	JobType   domain.JobType  `json:"job_type"`
	Kind      EventKind       `json:"kind"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recorder wraps a ClickHouse connection and appends Events.
type Recorder struct {
	conn   driver.Conn
	logger *slog.Logger
}

// New connects to ClickHouse using dsn, e.g. "clickhouse://localhost:9000/wasmforge".
func New(ctx context.Context, dsn string) (*Recorder, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return &Recorder{conn: conn, logger: slog.Default().With("component", "audit")}, nil
}

func (r *Recorder) Close() error { return r.conn.Close() }

func (r *Recorder) Ping(ctx context.Context) error { return r.conn.Ping(ctx) }

// Record appends a single event. Side-effect failures here must never
// revert or delay a job's terminal write (§4.8 step 5); callers treat
// errors as logged, non-fatal.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (id, job_id, owner_id, job_type, kind, detail, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	if err := batch.Append(ev.ID, ev.JobID, ev.OwnerID, string(ev.JobType), string(ev.Kind), ev.Detail, ev.Timestamp); err != nil {
		return fmt.Errorf("audit: append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: send batch: %w", err)
	}
	return nil
}

// RecordSafe wraps Record, logging instead of propagating failures — the
// shape every call site in the worker loop uses, since an audit write
// failure must never affect a job's recorded outcome.
func (r *Recorder) RecordSafe(ctx context.Context, ev Event) {
	if err := r.Record(ctx, ev); err != nil {
		detail, _ := json.Marshal(ev)
		r.logger.Error("audit record failed", "error", err, "event", string(detail))
	}
}
