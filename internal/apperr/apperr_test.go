package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageWithoutCause(t *testing.T) {
	err := New(BadInput, "project_id is required")
	assert.Equal(t, "BadInput: project_id is required", err.Error())
}

func TestError_MessageWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(Transient, "quota: admit", cause)
	assert.Equal(t, "Transient: quota: admit: connection refused", err.Error())
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(SpawnError, "exec failed", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestKindOf_PlainErrorIsEmpty(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("not an apperr")))
}

func TestKindOf_DirectError(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(New(NotFound, "job not found")))
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := New(QuotaExceeded, "deploy quota exceeded")
	outer := fmt.Errorf("handler: %w", inner)
	assert.Equal(t, QuotaExceeded, KindOf(outer))
}

func TestIs_MatchesKind(t *testing.T) {
	err := New(InvalidWasm, "bad magic bytes")
	assert.True(t, Is(err, InvalidWasm))
	assert.False(t, Is(err, ToolchainMissing))
}

func TestIs_NilError(t *testing.T) {
	assert.False(t, Is(nil, BadInput))
}

func TestWithDetails_CarriesDetailsPayload(t *testing.T) {
	err := WithDetails(QuotaExceeded, "deploy quota exceeded", QuotaExceededDetails{Current: 5, Limit: 5})
	details, ok := err.Details.(QuotaExceededDetails)
	assert.True(t, ok)
	assert.Equal(t, 5, details.Current)
	assert.Equal(t, 5, details.Limit)
}
