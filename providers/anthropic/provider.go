// Package anthropic implements the streamed HTTP transport for
// Anthropic-compatible /v1/messages endpoints.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/stream"
	"github.com/BaSui01/stepflow/types"
)

const (
	apiVersion = "2023-06-01"
	// Beta header enabling the extended context window.
	extendedContextBeta = "context-1m-2025-08-07"
	defaultMaxTokens    = 8192
)

// Provider streams one step turn through an Anthropic-compatible endpoint.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
	parser *stream.Parser
	logger *zap.Logger
}

// New creates the provider. The parser supplies the idle-timeout policy for
// stream reads.
func New(cfg config.AnthropicConfig, parser *stream.Parser, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg: cfg,
		// No client-level timeout: the overall budget comes from ctx and
		// stream liveness from the parser's idle timeout.
		client: &http.Client{},
		parser: parser,
		logger: logger.With(zap.String("component", "provider.anthropic")),
	}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type apiRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
	Tools     []tool    `json:"tools,omitempty"`
	Thinking  *thinking `json:"thinking,omitempty"`
}

type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends one streamed /v1/messages request and assembles the result.
func (p *Provider) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	body := apiRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
		MaxTokens: defaultMaxTokens,
		Stream:    true,
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if req.StructuredOutput {
		// The messages API has no response-format parameter; the schema
		// rides in the system prompt and gate evaluation parses the JSON.
		body.System = strings.TrimSpace(body.System + "\n\nRespond with a single JSON object matching this schema, and nothing else:\n" + string(providers.WorkflowStatusSchema()))
	}
	if len(req.ToolServerIDs) > 0 {
		body.Tools = []tool{{
			Name:        providers.GenericToolName,
			Description: "Invoke a tool on one of the enabled external tool servers.",
			InputSchema: providers.GenericToolSchema(req.ToolServerIDs),
		}}
	}
	if !req.FastMode {
		if budget := providers.EffortForAnthropic(req.Effort); budget > 0 {
			body.Thinking = &thinking{Type: "enabled", BudgetTokens: budget}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &types.Error{Code: types.ErrTransport, Message: fmt.Sprintf("encode request: %v", err), Provider: p.Name()}
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &types.Error{Code: types.ErrTransport, Message: err.Error(), Provider: p.Name()}
	}
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.ExtendedContext {
		httpReq.Header.Set("anthropic-beta", extendedContextBeta)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.mapStatus(resp, readErrMsg(resp.Body))
	}

	result, err := p.parser.Parse(ctx, resp.Body, stream.DialectAnthropic)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("messages stream complete",
		zap.String("model", body.Model),
		zap.String("stop_reason", result.StopReason),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &providers.Response{
		Text:       result.Text,
		ToolCalls:  result.ToolCalls,
		StopReason: result.StopReason,
	}, nil
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
		return &types.Error{
			Code: types.ErrCredentialMissing, Message: msg,
			Hint: "credential rejected; check the configured API key", Provider: p.Name(),
		}
	case status == http.StatusTooManyRequests:
		return &types.Error{
			Code: types.ErrRateLimited, Message: msg, Provider: p.Name(), Retryable: true,
			RetryAfterMS: providers.ParseRetryAfter(resp.Header.Get("retry-after")),
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &types.Error{Code: types.ErrTimeout, Message: msg, Hint: "timeout", Provider: p.Name(), Retryable: true}
	case status >= 500:
		// Includes 529, the endpoint's dedicated overload status.
		return &types.Error{Code: types.ErrTransport, Message: msg, Hint: "upstream overloaded or unavailable", Provider: p.Name(), Retryable: true}
	default:
		return &types.Error{Code: types.ErrTransport, Message: msg, Provider: p.Name()}
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var e apiError
	if err := json.Unmarshal(data, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", e.Error.Message, e.Error.Type)
	}
	return string(data)
}
