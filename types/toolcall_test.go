package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallEnvelopeRoundTrip(t *testing.T) {
	calls := []ToolCall{
		{ServerID: "figma", Tool: "get_file", Arguments: map[string]any{}},
		{ServerID: "fs", Tool: "write", Arguments: map[string]any{"path": "a.txt", "mode": float64(420)}},
	}

	encoded, err := EncodeToolCalls(calls)
	require.NoError(t, err)
	assert.Contains(t, encoded, `"mcp_calls"`)

	decoded, ok := DecodeToolCalls(encoded)
	require.True(t, ok)
	require.Len(t, decoded, 2)
	assert.Equal(t, calls[0].ServerID, decoded[0].ServerID)
	assert.Equal(t, calls[0].Tool, decoded[0].Tool)
	assert.Equal(t, calls[1].Signature(), decoded[1].Signature())
}

func TestDecodeToolCallsRejectsProse(t *testing.T) {
	_, ok := DecodeToolCalls("The build completed successfully.")
	assert.False(t, ok)

	// JSON without the envelope key is still prose to callers.
	_, ok = DecodeToolCalls(`{"workflow_status":"PASS"}`)
	assert.False(t, ok)
}

func TestDedupToolCalls(t *testing.T) {
	a := ToolCall{ServerID: "figma", Tool: "get_file", Arguments: map[string]any{"id": "1"}}
	b := ToolCall{ServerID: "figma", Tool: "get_file", Arguments: map[string]any{"id": "1"}}
	c := ToolCall{ServerID: "figma", Tool: "get_file", Arguments: map[string]any{"id": "2"}}

	out := DedupToolCalls([]ToolCall{a, b, c, a})
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].Arguments["id"])
	assert.Equal(t, "2", out[1].Arguments["id"])
}

func TestSignatureIgnoresMapKeyOrder(t *testing.T) {
	a := ToolCall{ServerID: "s", Tool: "t", Arguments: map[string]any{"x": 1, "y": 2}}
	b := ToolCall{ServerID: "s", Tool: "t", Arguments: map[string]any{"y": 2, "x": 1}}
	assert.Equal(t, a.Signature(), b.Signature())
}
