package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rumord.dev/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	ctx := WithRequestID(context.Background(), "req-123")
	require.NoError(t, LogEvent(ctx, VoteCast, map[string]any{"rumor_id": "r1", "vote_type": "verify"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "audit", entry["type"])
	assert.Equal(t, "vote.cast", entry["event"])
	assert.Equal(t, "req-123", entry["request_id"])
	fields, ok := entry["fields"].(map[string]any)
	require.True(t, ok, "fields missing: %v", entry)
	assert.Equal(t, "r1", fields["rumor_id"])
}

func TestLogEventRequiresName(t *testing.T) {
	assert.Error(t, LogEvent(context.Background(), "  ", nil))
}

func TestBlankRequestIDIsIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), " ")
	assert.Empty(t, RequestID(ctx))
}
