// Package openai implements the HTTP transport for /v1/responses-style
// endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/stream"
	"github.com/BaSui01/stepflow/types"
)

// Provider sends one step turn to a /v1/responses endpoint. The endpoint may
// answer with a single JSON body or an event stream; both are handled.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
	parser *stream.Parser
	logger *zap.Logger
}

// New creates the provider.
func New(cfg config.OpenAIConfig, parser *stream.Parser, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{},
		parser: parser,
		logger: logger.With(zap.String("component", "provider.openai")),
	}
}

func (p *Provider) Name() string { return "openai" }

type reasoning struct {
	Effort string `json:"effort"`
}

type textFormat struct {
	Format *jsonSchemaFormat `json:"format,omitempty"`
}

type jsonSchemaFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type functionTool struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

type apiRequest struct {
	Model        string         `json:"model"`
	Instructions string         `json:"instructions,omitempty"`
	Input        string         `json:"input"`
	Stream       bool           `json:"stream"`
	Reasoning    *reasoning     `json:"reasoning,omitempty"`
	Text         *textFormat    `json:"text,omitempty"`
	Tools        []functionTool `json:"tools,omitempty"`
	ToolChoice   string         `json:"tool_choice,omitempty"`
}

// Call sends the request and assembles the response regardless of which body
// shape the endpoint chose.
func (p *Provider) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	body := apiRequest{
		Model:        req.Model,
		Instructions: req.System,
		Input:        req.Prompt,
		Stream:       true,
		Reasoning:    &reasoning{Effort: providers.EffortForOpenAI(req.Effort)},
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if req.StructuredOutput {
		body.Text = &textFormat{Format: &jsonSchemaFormat{
			Type:   "json_schema",
			Name:   providers.WorkflowStatusSchemaName,
			Strict: true,
			Schema: providers.WorkflowStatusSchema(),
		}}
	}
	if len(req.ToolServerIDs) > 0 {
		body.Tools = []functionTool{{
			Type:       "function",
			Name:       providers.GenericToolName,
			Parameters: providers.GenericToolSchema(req.ToolServerIDs),
		}}
		body.ToolChoice = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &types.Error{Code: types.ErrTransport, Message: fmt.Sprintf("encode request: %v", err), Provider: p.Name()}
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &types.Error{Code: types.ErrTransport, Message: err.Error(), Provider: p.Name()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.mapStatus(resp, readErrMsg(resp.Body))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		result, err := p.parser.Parse(ctx, resp.Body, stream.DialectOpenAI)
		if err != nil {
			return nil, err
		}
		return &providers.Response{
			Text:       orSentinel(result.Text, result.ToolCalls),
			ToolCalls:  result.ToolCalls,
			StopReason: result.StopReason,
		}, nil
	}
	defer resp.Body.Close()
	return p.decodeSingleBody(resp.Body)
}

// Single-body output shape: a list of output items carrying message content
// and completed function calls.
type apiResponse struct {
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Arguments string `json:"arguments"`
	} `json:"output"`
}

// decodeSingleBody tolerates loosely shaped bodies: anything unexpected
// degrades to the no-text-output sentinel rather than an error.
func (p *Provider) decodeSingleBody(body io.Reader) (*providers.Response, error) {
	var decoded apiResponse
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		p.logger.Warn("unparseable response body", zap.Error(err))
		return &providers.Response{Text: providers.NoTextOutput}, nil
	}

	var text strings.Builder
	var calls []types.ToolCall
	for _, item := range decoded.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			var fields struct {
				ServerID  string         `json:"server_id"`
				Tool      string         `json:"tool"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal([]byte(item.Arguments), &fields); err != nil || fields.ServerID == "" || fields.Tool == "" {
				continue
			}
			if fields.Arguments == nil {
				fields.Arguments = map[string]any{}
			}
			calls = append(calls, types.ToolCall{ServerID: fields.ServerID, Tool: fields.Tool, Arguments: fields.Arguments})
		}
	}
	calls = types.DedupToolCalls(calls)
	return &providers.Response{
		Text:       orSentinel(text.String(), calls),
		ToolCalls:  calls,
		StopReason: decoded.Status,
	}, nil
}

// orSentinel keeps the text empty when tool calls carry the result, and
// substitutes the sentinel when the turn produced nothing at all.
func orSentinel(text string, calls []types.ToolCall) string {
	if text == "" && len(calls) == 0 {
		return providers.NoTextOutput
	}
	return text
}

func (p *Provider) transportError(ctx context.Context, err error) *types.Error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		return &types.Error{Code: types.ErrCancelled, Message: fmt.Sprintf("request cancelled: %v", cause), Provider: p.Name(), Cause: cause}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.Error{Code: types.ErrTimeout, Message: "request exceeded its wall-clock budget", Hint: "timeout", Provider: p.Name(), Retryable: true, Cause: err}
	}
	return &types.Error{Code: types.ErrTransport, Message: err.Error(), Provider: p.Name(), Retryable: true, Cause: err}
}

func (p *Provider) mapStatus(resp *http.Response, msg string) *types.Error {
	status := resp.StatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &types.Error{Code: types.ErrCredentialMissing, Message: msg, Hint: "credential rejected; check the configured API key", Provider: p.Name()}
	case status == http.StatusTooManyRequests:
		return &types.Error{
			Code: types.ErrRateLimited, Message: msg, Provider: p.Name(), Retryable: true,
			RetryAfterMS: providers.ParseRetryAfter(resp.Header.Get("retry-after")),
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &types.Error{Code: types.ErrTimeout, Message: msg, Hint: "timeout", Provider: p.Name(), Retryable: true}
	case status >= 500:
		return &types.Error{Code: types.ErrTransport, Message: msg, Hint: "upstream unavailable", Provider: p.Name(), Retryable: true}
	default:
		return &types.Error{Code: types.ErrTransport, Message: msg, Provider: p.Name()}
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", e.Error.Message, e.Error.Type)
	}
	return string(data)
}
