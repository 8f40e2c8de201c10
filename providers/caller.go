// Package providers defines the shared request/response contract between the
// execution adapter and the concrete provider transports.
package providers

import (
	"context"

	"github.com/BaSui01/stepflow/types"
)

// Request is one step turn against one provider transport.
type Request struct {
	// StepID and Role identify the dispatching step for logging and
	// structured-output selection.
	StepID   string
	StepName string
	Role     types.StepRole

	// System carries the step prompt; Prompt carries the composed context
	// and task text.
	System string
	Prompt string

	OutputFormat types.OutputFormat
	// StructuredOutput attaches the workflow-status schema so gate
	// evaluation can parse output deterministically.
	StructuredOutput bool

	// ToolServerIDs enables the generic tool definition when non-empty.
	ToolServerIDs []string

	Model           string
	Effort          types.ReasoningEffort
	FastMode        bool
	ExtendedContext bool
	ContextWindow   int
}

// Response is the assembled output of one turn.
type Response struct {
	Text       string
	ToolCalls  []types.ToolCall
	StopReason string
}

// NoTextOutput is returned in place of an empty provider result, so callers
// always receive a non-empty string.
const NoTextOutput = "[no text output]"

// ResponseFromText wraps raw CLI output: empty output becomes the sentinel,
// and a tool-call envelope is decoded into structured calls.
func ResponseFromText(text string) *Response {
	if text == "" {
		return &Response{Text: NoTextOutput}
	}
	if calls, ok := types.DecodeToolCalls(text); ok {
		return &Response{Text: text, ToolCalls: calls}
	}
	return &Response{Text: text}
}

// Caller executes one step turn. Implementations cover both transports:
// streamed HTTP calls and subprocess command-line tools.
type Caller interface {
	// Name identifies the transport in logs and errors.
	Name() string
	// Call blocks until the turn completes or ctx is cancelled.
	Call(ctx context.Context, req *Request) (*Response, error)
}
