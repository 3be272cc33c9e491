package diagnose

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmforge/orchestrator/internal/domain"
)

func TestNewClient_EmptyAPIKeyIsUnavailable(t *testing.T) {
	c := NewClient("", "")
	require.NotNil(t, c)
	assert.False(t, c.IsAvailable())
	assert.Equal(t, defaultModel, c.model)
}

func TestNewClient_WithAPIKeyIsAvailable(t *testing.T) {
	c := NewClient("sk-test-key", "")
	require.NotNil(t, c)
	assert.True(t, c.IsAvailable())
	assert.Equal(t, defaultModel, c.model)
}

func TestNewClient_CustomModelOverridesDefault(t *testing.T) {
	c := NewClient("sk-test-key", "claude-haiku-test")
	assert.Equal(t, "claude-haiku-test", c.model)
}

func TestIsAvailable_NilClientIsFalse(t *testing.T) {
	var c *Client
	assert.False(t, c.IsAvailable())
}

func TestSummarize_UnavailableClientReturnsErrorWithoutNetworkCall(t *testing.T) {
	c := NewClient("", "")
	_, err := c.Summarize(context.Background(), &domain.Job{})
	assert.Error(t, err)
}

func TestRenderTail_FormatsEachLogLine(t *testing.T) {
	logs := []domain.LogRecord{
		{Kind: domain.LogKindInfo, Message: "compiling contract"},
		{Kind: domain.LogKindError, Message: "error[E0433]: unresolved import"},
	}
	tail := renderTail(logs)
	assert.True(t, strings.Contains(tail, "[info] compiling contract"))
	assert.True(t, strings.Contains(tail, "[error] error[E0433]: unresolved import"))
}

func TestRenderTail_EmptyLogsProducesEmptyString(t *testing.T) {
	assert.Equal(t, "", renderTail(nil))
}
