package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// blockAcc accumulates partial tool-call JSON for one content block until the
// block's stop event fires.
type blockAcc struct {
	buf strings.Builder
}

type streamState struct {
	dialect Dialect
	logger  *zap.Logger

	text   strings.Builder
	blocks map[int]*blockAcc
	calls  []types.ToolCall

	stopReason string
	done       bool
}

func newStreamState(dialect Dialect, logger *zap.Logger) *streamState {
	return &streamState{
		dialect: dialect,
		logger:  logger,
		blocks:  map[int]*blockAcc{},
	}
}

func (s *streamState) result() *Result {
	return &Result{
		Text:       s.text.String(),
		ToolCalls:  types.DedupToolCalls(s.calls),
		StopReason: s.stopReason,
	}
}

// dispatchRaw splits one raw event into its name and rejoined data payload,
// then dispatches by dialect.
func (s *streamState) dispatchRaw(event string) error {
	var name string
	var dataLines []string
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(dataLines) == 0 {
		return nil
	}
	data := strings.Join(dataLines, "\n")
	if data == "[DONE]" {
		s.done = true
		return nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		// Tolerate malformed keep-alive noise; real events are JSON objects.
		s.logger.Debug("skipping non-JSON event payload", zap.String("event", name))
		return nil
	}
	if name == "" {
		name = rawString(payload["type"])
	}

	switch s.dialect {
	case DialectOpenAI:
		return s.handleOpenAI(name, payload)
	default:
		return s.handleAnthropic(name, payload)
	}
}

// handleAnthropic processes message_start/content_block_*/message_delta
// events from a /messages-style endpoint.
func (s *streamState) handleAnthropic(name string, payload map[string]json.RawMessage) error {
	switch name {
	case "content_block_delta":
		index := rawInt(payload["index"])
		var delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		}
		if err := json.Unmarshal(payload["delta"], &delta); err != nil {
			return nil
		}
		switch delta.Type {
		case "text_delta":
			s.text.WriteString(delta.Text)
		case "input_json_delta":
			s.block(index).buf.WriteString(delta.PartialJSON)
		}

	case "content_block_start":
		// A tool_use block can carry its full input up front; stash it so the
		// stop event finalizes it even without deltas.
		index := rawInt(payload["index"])
		var cb struct {
			Type  string          `json:"type"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(payload["content_block"], &cb); err == nil &&
			cb.Type == "tool_use" && len(cb.Input) > 0 && string(cb.Input) != "{}" {
			s.block(index).buf.Write(cb.Input)
		}

	case "content_block_stop":
		index := rawInt(payload["index"])
		if acc, ok := s.blocks[index]; ok {
			s.finalizeToolCall(acc.buf.String())
			delete(s.blocks, index)
		}

	case "message_delta":
		var delta struct {
			StopReason string `json:"stop_reason"`
		}
		if err := json.Unmarshal(payload["delta"], &delta); err == nil && delta.StopReason != "" {
			s.stopReason = delta.StopReason
		}

	case "message_stop":
		s.done = true

	case "error":
		return s.streamError(payload["error"])
	}
	return nil
}

// handleOpenAI processes response.* events from a /responses-style endpoint.
// Both response.output_item.added and .done can carry the same completed
// function call; dedup at result time collapses them.
func (s *streamState) handleOpenAI(name string, payload map[string]json.RawMessage) error {
	switch name {
	case "response.output_text.delta":
		s.text.WriteString(rawString(payload["delta"]))

	case "response.function_call_arguments.delta":
		index := rawInt(payload["output_index"])
		s.block(index).buf.WriteString(rawString(payload["delta"]))

	case "response.function_call_arguments.done":
		index := rawInt(payload["output_index"])
		if acc, ok := s.blocks[index]; ok {
			s.finalizeToolCall(acc.buf.String())
			delete(s.blocks, index)
		} else if args := rawString(payload["arguments"]); args != "" {
			s.finalizeToolCall(args)
		}

	case "response.output_item.added", "response.output_item.done":
		var item struct {
			Type      string `json:"type"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(payload["item"], &item); err == nil &&
			item.Type == "function_call" && item.Arguments != "" {
			s.finalizeToolCall(item.Arguments)
		}

	case "response.completed":
		s.stopReason = "completed"
		s.done = true

	case "response.failed", "error":
		if raw, ok := payload["response"]; ok {
			var resp struct {
				Error json.RawMessage `json:"error"`
			}
			if err := json.Unmarshal(raw, &resp); err == nil && len(resp.Error) > 0 {
				return s.streamError(resp.Error)
			}
		}
		if raw, ok := payload["error"]; ok {
			return s.streamError(raw)
		}
		return s.streamError(nil)
	}
	return nil
}

// finalizeToolCall parses an assembled argument buffer and accepts it only
// when both server_id and tool are present.
func (s *streamState) finalizeToolCall(assembled string) {
	assembled = strings.TrimSpace(assembled)
	if assembled == "" {
		return
	}
	var fields struct {
		ServerID  string         `json:"server_id"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(assembled), &fields); err != nil {
		s.logger.Warn("discarding unparseable tool-call buffer", zap.Error(err))
		return
	}
	if fields.ServerID == "" || fields.Tool == "" {
		s.logger.Warn("discarding tool call without server_id and tool",
			zap.String("server_id", fields.ServerID),
			zap.String("tool", fields.Tool))
		return
	}
	args := fields.Arguments
	if args == nil {
		args = map[string]any{}
	}
	s.calls = append(s.calls, types.ToolCall{
		ServerID:  fields.ServerID,
		Tool:      fields.Tool,
		Arguments: args,
	})
}

func (s *streamState) streamError(raw json.RawMessage) error {
	msg := "provider reported a stream error"
	if len(raw) > 0 {
		var e struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
			msg = e.Message
			if e.Type != "" {
				msg = fmt.Sprintf("%s: %s", e.Type, e.Message)
			}
		}
	}
	return &types.Error{
		Code:      types.ErrTransport,
		Message:   msg,
		Hint:      "error event received mid-stream",
		Retryable: true,
	}
}

func (s *streamState) block(index int) *blockAcc {
	acc, ok := s.blocks[index]
	if !ok {
		acc = &blockAcc{}
		s.blocks[index] = acc
	}
	return acc
}

func rawString(raw json.RawMessage) string {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

func rawInt(raw json.RawMessage) int {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}
