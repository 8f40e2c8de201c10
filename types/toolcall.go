package types

import (
	"encoding/json"
	"strings"
)

// ToolCall is a structured request, emitted by a provider, to invoke an
// external capability mid-turn. The core produces tool calls; an external
// collaborator executes them and feeds results back as a follow-up turn.
type ToolCall struct {
	ServerID  string         `json:"server_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Signature returns the dedup key (serverId, tool, JSON(arguments)). Go's
// json package sorts map keys, so equal argument maps produce equal
// signatures regardless of delta arrival order.
func (c ToolCall) Signature() string {
	args, _ := json.Marshal(c.Arguments)
	return c.ServerID + "\x00" + c.Tool + "\x00" + string(args)
}

// toolCallEnvelope is the wire shape callers must check for before treating
// adapter output as freeform prose.
type toolCallEnvelope struct {
	MCPCalls []ToolCall `json:"mcp_calls"`
}

// EncodeToolCalls serializes tool calls into the mcp_calls JSON envelope.
func EncodeToolCalls(calls []ToolCall) (string, error) {
	data, err := json.Marshal(toolCallEnvelope{MCPCalls: calls})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeToolCalls parses adapter output as an mcp_calls envelope. The second
// return is false when the text is not an envelope (freeform prose).
func DecodeToolCalls(output string) ([]ToolCall, bool) {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, false
	}
	if env.MCPCalls == nil {
		return nil, false
	}
	return env.MCPCalls, true
}

// DedupToolCalls removes duplicate calls by signature, preserving first
// occurrence order. A provider's "item added" and "item done" events can both
// surface the same call.
func DedupToolCalls(calls []ToolCall) []ToolCall {
	seen := make(map[string]bool, len(calls))
	out := calls[:0:0]
	for _, c := range calls {
		sig := c.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	return out
}
