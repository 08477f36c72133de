package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateIfNeededPassesSmallPayloadThrough(t *testing.T) {
	raw, err := json.Marshal(TaskStatusChanged{Type: TypeTaskStatusChanged, TaskID: "t1", ToStatus: "succeeded"})
	require.NoError(t, err)

	out, err := truncateIfNeeded(raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), out)
}

func TestTruncateIfNeededShrinksOversizedPayload(t *testing.T) {
	oversized := TaskStatusChanged{
		Type:   TypeTaskStatusChanged,
		TaskID: strings.Repeat("x", maxNotifyBytes+1000),
	}
	raw, err := json.Marshal(oversized)
	require.NoError(t, err)
	require.Greater(t, len(raw), maxNotifyBytes)

	out, err := truncateIfNeeded(raw)
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), maxNotifyBytes)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, TypeTaskStatusChanged, decoded["type"])
	assert.Equal(t, true, decoded["truncated"])
}
