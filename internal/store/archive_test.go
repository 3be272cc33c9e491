package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "owners/owner-1/jobs/job-1/full-log.jsonl", ArchiveKey("owner-1", "job-1"))
}

func TestNewArchiver_RequiresBucket(t *testing.T) {
	_, err := NewArchiver("http://localhost:9002", "key", "secret", "", false, true)
	assert.ErrorContains(t, err, "bucket name is required")
}

func TestNewArchiver_SkipsVerificationWhenRequested(t *testing.T) {
	a, err := NewArchiver("http://localhost:9002", "key", "secret", "forge-job-logs", false, true)
	assert.NoError(t, err)
	assert.NotNil(t, a)
}
