package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/audit"
	"github.com/wasmforge/orchestrator/internal/domain"
	"github.com/wasmforge/orchestrator/internal/quota"
)

type fakeQuotaAdmitter struct {
	allowed bool
	counter domain.Counter
	err     error
	calls   int
}

func (f *fakeQuotaAdmitter) Admit(ctx context.Context, user domain.UserRef, action quota.Action) (bool, domain.Counter, error) {
	f.calls++
	return f.allowed, f.counter, f.err
}

func TestDeployHandler_MissingProjectID(t *testing.T) {
	h := &DeployHandler{store: &fakeJobStore{}, broker: &fakeEnqueuer{}, quota: &fakeQuotaAdmitter{allowed: true}}
	body, _ := json.Marshal(DeployRequest{WasmBase64: "YQ=="})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployHandler_MissingWasm(t *testing.T) {
	h := &DeployHandler{store: &fakeJobStore{}, broker: &fakeEnqueuer{}, quota: &fakeQuotaAdmitter{allowed: true}}
	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1"})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployHandler_BadNetwork(t *testing.T) {
	h := &DeployHandler{store: &fakeJobStore{}, broker: &fakeEnqueuer{}, quota: &fakeQuotaAdmitter{allowed: true}}
	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1", WasmBase64: "YQ==", Network: "devnet"})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployHandler_InvalidBase64(t *testing.T) {
	h := &DeployHandler{store: &fakeJobStore{}, broker: &fakeEnqueuer{}, quota: &fakeQuotaAdmitter{allowed: true}}
	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1", WasmBase64: "not-valid-base64!!"})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployHandler_NetworkDefaultsToTestnet(t *testing.T) {
	st := &fakeJobStore{}
	bk := &fakeEnqueuer{handle: "h"}
	h := &DeployHandler{store: st, broker: bk, quota: &fakeQuotaAdmitter{allowed: true}}

	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1", WasmBase64: base64.StdEncoding.EncodeToString([]byte("wasm"))})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, st.created)
}

func TestDeployHandler_QuotaExceededReturns403WithDetails(t *testing.T) {
	q := &fakeQuotaAdmitter{
		allowed: false,
		counter: domain.Counter{Count: 5, Limit: 5},
		err: apperr.WithDetails(apperr.QuotaExceeded, "deploy quota exceeded",
			apperr.QuotaExceededDetails{Current: 5, Limit: 5}),
	}
	st := &fakeJobStore{}
	bk := &fakeEnqueuer{handle: "h"}
	a := &fakeAuditRecorder{}
	h := &DeployHandler{store: st, broker: bk, quota: q, audit: a}

	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1", WasmBase64: base64.StdEncoding.EncodeToString([]byte("wasm"))})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, st.created, "a quota rejection must never reach store.Create")
	assert.Equal(t, 0, bk.calls, "a quota rejection must never enqueue")
	require.Len(t, a.events, 1)
	assert.Equal(t, audit.EventQuotaRejected, a.events[0].Kind)
}

func TestDeployHandler_SuccessEnqueuesAndPersists(t *testing.T) {
	st := &fakeJobStore{}
	bk := &fakeEnqueuer{handle: "stream-handle-2"}
	q := &fakeQuotaAdmitter{allowed: true, counter: domain.Counter{Count: 1, Limit: 5}}
	a := &fakeAuditRecorder{}
	h := &DeployHandler{store: st, broker: bk, quota: q, audit: a}

	body, _ := json.Marshal(DeployRequest{
		ProjectID:  "proj-2",
		WasmBase64: base64.StdEncoding.EncodeToString([]byte{0x00, 0x61, 0x73, 0x6d}),
		Network:    domain.NetworkMainnet,
	})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, q.calls)
	assert.Equal(t, 1, bk.calls)
	assert.Equal(t, "deploy", bk.lastQueue)
	assert.Equal(t, domain.JobTypeDeploy, st.createArgs.jobType)
	require.Len(t, a.events, 1)
	assert.Equal(t, audit.EventCreated, a.events[0].Kind)
}

func TestDeployHandler_EnqueueFailureReturns503(t *testing.T) {
	st := &fakeJobStore{}
	bk := &fakeEnqueuer{err: assertErr("nats down")}
	q := &fakeQuotaAdmitter{allowed: true}
	h := &DeployHandler{store: st, broker: bk, quota: q}

	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1", WasmBase64: base64.StdEncoding.EncodeToString([]byte("wasm"))})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, st.created)
}

func TestDeployHandler_CreateFailureReturns500(t *testing.T) {
	st := &fakeJobStore{createErr: assertErr("db down")}
	bk := &fakeEnqueuer{handle: "h"}
	q := &fakeQuotaAdmitter{allowed: true}
	h := &DeployHandler{store: st, broker: bk, quota: q}

	body, _ := json.Marshal(DeployRequest{ProjectID: "proj-1", WasmBase64: base64.StdEncoding.EncodeToString([]byte("wasm"))})
	req := authedRequest(http.MethodPost, "/api/v1/deploy", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
