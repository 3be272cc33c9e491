// Package domain holds the core entities of the job lifecycle subsystem:
// Job, UserRef, ProjectRef, and the small value types that flow between the
// queue, the store, the bus, and the runners.
package domain

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes the two kinds of work the orchestrator executes.
type JobType string

const (
	JobTypeCompile JobType = "compile"
	JobTypeDeploy  JobType = "deploy"
)

// JobStatus is the lifecycle state of a Job. Monotone except that
// at-least-once redelivery may re-observe Active before a terminal state.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// LogKind classifies a single captured line from a runner subprocess.
type LogKind string

const (
	LogKindInfo    LogKind = "info"
	LogKindWarning LogKind = "warning"
	LogKindError   LogKind = "error"
	LogKindSuccess LogKind = "success"
	LogKindDebug   LogKind = "debug"
)

// LogRecord is one entry in a Job's log tail.
type LogRecord struct {
	Kind      LogKind   `json:"kind" db:"kind"`
	Message   string    `json:"message" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Backend identifies which compile backend produced a CompileResult.
type Backend string

const (
	BackendNative    Backend = "native"
	BackendContainer Backend = "container"
	BackendStub      Backend = "stub"
)

// Network selects which chain a deploy targets.
type Network string

const (
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// CompileResult is the type-specific payload of a completed compile Job.
type CompileResult struct {
	WasmBytes    []byte  `json:"-"`
	WasmFilename string  `json:"wasm_filename"`
	BackendUsed  Backend `json:"backend_used"`
}

// compileResultWire is CompileResult's wire shape: the raw bytes travel as
// base64 under wasm_base64 per §6, both on the API response and in the
// store's result_json column.
type compileResultWire struct {
	WasmBase64   string  `json:"wasm_base64"`
	WasmFilename string  `json:"wasm_filename"`
	BackendUsed  Backend `json:"backend_used"`
}

func (c CompileResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(compileResultWire{
		WasmBase64:   base64.StdEncoding.EncodeToString(c.WasmBytes),
		WasmFilename: c.WasmFilename,
		BackendUsed:  c.BackendUsed,
	})
}

func (c *CompileResult) UnmarshalJSON(data []byte) error {
	var w compileResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	wasmBytes, err := base64.StdEncoding.DecodeString(w.WasmBase64)
	if err != nil {
		return err
	}
	c.WasmBytes = wasmBytes
	c.WasmFilename = w.WasmFilename
	c.BackendUsed = w.BackendUsed
	return nil
}

// DeployResult is the type-specific payload of a completed deploy Job.
type DeployResult struct {
	ContractID     string  `json:"contract_id"`
	Network        Network `json:"network"`
	SignerIdentity string  `json:"signer_identity"`
	SignerAddress  string  `json:"signer_address,omitempty"`
}

// JobResult wraps whichever of CompileResult/DeployResult applies. Exactly
// one of Compile/Deploy is non-nil on a completed Job.
type JobResult struct {
	Compile *CompileResult `json:"compile,omitempty"`
	Deploy  *DeployResult  `json:"deploy,omitempty"`
}

// Job is the central entity of the system. Invariants (enforced by the
// store, not by this struct): status=completed => Result != nil && Error ==
// "" ; status=failed => Error != "" ; Logs is append-only and
// non-decreasing in Timestamp; BrokerHandle is unique per logical job.
type Job struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	Type         JobType     `json:"type" db:"type"`
	Status       JobStatus   `json:"status" db:"status"`
	OwnerID      string      `json:"owner_id" db:"owner_id"`
	ProjectID    string      `json:"project_id" db:"project_id"`
	BrokerHandle string      `json:"-" db:"broker_handle"`
	Result       *JobResult  `json:"result,omitempty" db:"-"`
	Error        string      `json:"error,omitempty" db:"error"`
	Logs         []LogRecord `json:"logs,omitempty" db:"-"`
	LogCount     int         `json:"-" db:"log_count"`
	Diagnosis    string      `json:"diagnosis,omitempty" db:"diagnosis"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// Tier is a user's subscription level, gating deploy/function_test quota.
type Tier string

const (
	TierFree Tier = "free"
	TierMid  Tier = "tier_mid"
	TierTop  Tier = "tier_top"
)

// Counter tracks usage against a periodic (30-day) limit. Limit == -1 means
// unbounded.
type Counter struct {
	Count   int       `json:"count" db:"count"`
	Limit   int       `json:"limit" db:"limit"`
	ResetAt time.Time `json:"reset_at" db:"reset_at"`
}

func (c Counter) Unbounded() bool { return c.Limit == -1 }

// UserRef is a read-only borrow of identity and quota state; the core never
// owns or mutates a user's profile beyond counter increments via the quota
// gate.
type UserRef struct {
	ID                  string  `json:"id"`
	Tier                Tier    `json:"tier"`
	DeployCounter       Counter `json:"deploy_counter"`
	FunctionTestCounter Counter `json:"function_test_counter"`
}

// ProjectRef is a read-only borrow: the core never performs project/file
// CRUD, it only checks ownership and receives an opaque file bundle.
type ProjectRef struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

// SourceFile is one file of a project's opaque bundle, as carried on the
// wire in a compile payload.
type SourceFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
