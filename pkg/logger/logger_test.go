package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("production", &buf)

	log.Debug("hidden")
	log.Info("job_cancelled", "job_id", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job_cancelled", entry["msg"])
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, "bulkmail", entry["service"])
}

func TestNew_DevelopmentLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New("development", &buf)

	log.Debug("quota_checked")
	assert.Contains(t, buf.String(), "quota_checked")
}
