package providers

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/stepflow/types"
)

// NeedsStructuredOutput reports whether a JSON-mode step should carry the
// strict workflow-status schema. Gate-producing steps are review and tester
// roles, plus delivery steps identified by name.
func NeedsStructuredOutput(role types.StepRole, name string) bool {
	if role == types.RoleReview || role == types.RoleTester {
		return true
	}
	return strings.Contains(strings.ToLower(name), "deliver")
}

// WorkflowStatusSchemaName labels the structured-output schema in requests.
const WorkflowStatusSchemaName = "workflow_status_report"

// WorkflowStatusSchema is the strict schema gate-producing steps must emit,
// so gate evaluation parses output instead of regexing free text.
func WorkflowStatusSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "workflow_status": {"type": "string", "enum": ["PASS", "FAIL", "NEUTRAL"]},
    "next_action": {"type": "string"},
    "reasons": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["workflow_status", "next_action", "reasons"],
  "additionalProperties": false
}`)
}

// GenericToolName is the single tool definition attached when tool servers
// are enabled; the model routes every external capability through it.
const GenericToolName = "call_tool_server"

// GenericToolSchema describes the call_tool_server input. The server_id enum
// is restricted to the step's enabled servers.
func GenericToolSchema(serverIDs []string) json.RawMessage {
	enum, _ := json.Marshal(serverIDs)
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "server_id": {"type": "string", "enum": ` + string(enum) + `},
    "tool": {"type": "string"},
    "arguments": {"type": "object"}
  },
  "required": ["server_id", "tool"]
}`)
}
