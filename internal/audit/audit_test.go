package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger_WritesAuditTrail(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerTo(&buf)
	actor := uuid.New()

	l.Log(context.Background(), actor, EventCampaignCancelled, "campaign:123", map[string]string{"cancelled": "3"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "audit_event", entry["msg"])
	assert.Equal(t, "AUDIT_TRAIL", entry["log_type"])
	assert.Equal(t, actor.String(), entry["actor_id"])
	assert.Equal(t, "CAMPAIGN_CANCELLED", entry["action"])
	assert.Equal(t, "campaign:123", entry["resource"])
	assert.Equal(t, "3", entry["meta_cancelled"])
}
