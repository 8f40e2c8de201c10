package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/retry"
	"github.com/BaSui01/stepflow/types"
)

type fakeCaller struct {
	mu       sync.Mutex
	name     string
	requests []*providers.Request
	results  []func(*providers.Request) (*providers.Response, error)
}

func (f *fakeCaller) Name() string { return f.name }

func (f *fakeCaller) Call(_ context.Context, req *providers.Request) (*providers.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *req
	f.requests = append(f.requests, &copied)
	idx := len(f.requests) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx](req)
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func ok(text string) func(*providers.Request) (*providers.Response, error) {
	return func(*providers.Request) (*providers.Response, error) {
		return &providers.Response{Text: text}, nil
	}
}

func fail(err error) func(*providers.Request) (*providers.Response, error) {
	return func(*providers.Request) (*providers.Response, error) { return nil, err }
}

type fakeCreds struct {
	key      string
	explicit bool
}

func (f fakeCreds) Credential(string) (string, bool) { return f.key, f.explicit }

func fastRetryOption() Option {
	p := retry.DefaultPolicy()
	p.MaxRetries = 2
	p.InitialDelay = time.Millisecond
	p.MaxDelay = time.Millisecond
	p.IsRetryable = transientOnly
	return WithRetryPolicy(p, zap.NewNop())
}

func newAdapter(t *testing.T, creds CredentialSource, httpC, cliC providers.Caller) *Adapter {
	t.Helper()
	opts := []Option{WithCredentialSource(creds), fastRetryOption()}
	if httpC != nil {
		opts = append(opts, WithHTTPCaller(ProviderAnthropic, httpC))
	}
	if cliC != nil {
		opts = append(opts, WithCLICaller(ProviderAnthropic, cliC))
	}
	return New(config.ProvidersConfig{
		Anthropic: config.AnthropicConfig{
			FallbackModel:         "claude-3-5-haiku-20241022",
			TrimBudgetTokens:      24000,
			FallbackContextWindow: 200000,
		},
		RequestsPerSecond: 1000,
		Burst:             1000,
	}, config.StreamConfig{IdleTimeout: time.Second}, nil, zap.NewNop(), opts...)
}

func anthropicStep() types.Step {
	return types.Step{
		ID:   "build",
		Name: "Build",
		Role: types.RoleExecutor,
		Provider: types.ProviderSelection{
			ProviderID:      ProviderAnthropic,
			Model:           "claude-sonnet-4-20250514",
			ReasoningEffort: types.EffortHigh,
			ExtendedContext: true,
			ContextWindow:   1000000,
		},
	}
}

func TestExecuteUsesCLIWithoutCredential(t *testing.T) {
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){ok("http")}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){ok("cli")}}
	a := newAdapter(t, fakeCreds{}, httpC, cliC)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, "cli", out)
	assert.Equal(t, 0, httpC.callCount())
	assert.Equal(t, 1, cliC.callCount())
}

func TestExecuteUsesHTTPWithCredential(t *testing.T) {
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){ok("http")}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){ok("cli")}}
	a := newAdapter(t, fakeCreds{key: "sk", explicit: true}, httpC, cliC)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, "http", out)
	assert.Equal(t, 0, cliC.callCount())
}

func TestExplicitCredentialPinsHTTPPath(t *testing.T) {
	boom := &types.Error{Code: types.ErrTransport, Message: "bad gateway"}
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){fail(boom)}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){ok("cli")}}
	a := newAdapter(t, fakeCreds{key: "sk", explicit: true}, httpC, cliC)

	_, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTransport))
	assert.Equal(t, 0, cliC.callCount())
}

func TestCachedCredentialFallsBackToCLI(t *testing.T) {
	boom := &types.Error{Code: types.ErrTransport, Message: "bad gateway"}
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){fail(boom)}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){ok("cli saved it")}}
	a := newAdapter(t, fakeCreds{key: "sk", explicit: false}, httpC, cliC)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, "cli saved it", out)
}

func TestCLIFailureFallsBackToHTTP(t *testing.T) {
	boom := &types.Error{Code: types.ErrTransport, Message: "exit status 1"}
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){ok("http saved it")}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){fail(boom)}}
	a := newAdapter(t, fakeCreds{}, httpC, cliC)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, "http saved it", out)
}

func TestFallbackFailureMentionsPrimary(t *testing.T) {
	cliErr := &types.Error{Code: types.ErrTransport, Message: "exit status 1"}
	httpErr := &types.Error{Code: types.ErrCredentialMissing, Message: "401"}
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){fail(httpErr)}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){fail(cliErr)}}
	a := newAdapter(t, fakeCreds{}, httpC, cliC)

	_, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claude-cli")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestAnthropicTimeoutDowngradeRetry(t *testing.T) {
	timeout := &types.Error{Code: types.ErrTimeout, Message: "deadline exceeded", Retryable: true}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){
		fail(timeout),
		ok("downgraded run"),
	}}
	a := newAdapter(t, fakeCreds{}, nil, cliC)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, "downgraded run", out)
	require.Equal(t, 2, cliC.callCount())

	first, second := cliC.requests[0], cliC.requests[1]
	assert.True(t, first.ExtendedContext)
	assert.False(t, second.ExtendedContext)
	assert.True(t, second.FastMode)
	assert.Equal(t, types.EffortLow, second.Effort)
	assert.Equal(t, "claude-3-5-haiku-20241022", second.Model)
	assert.Equal(t, 200000, second.ContextWindow)
}

func TestDowngradeRetryFailureSurfacesOriginalTimeout(t *testing.T) {
	timeout := &types.Error{Code: types.ErrTimeout, Message: "deadline exceeded", Hint: "timeout", Retryable: true}
	second := &types.Error{Code: types.ErrTransport, Message: "still broken"}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){
		fail(timeout),
		fail(second),
	}}
	a := newAdapter(t, fakeCreds{}, nil, cliC)

	_, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.Error(t, err)
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrTimeout, te.Code)
	assert.Equal(t, "deadline exceeded", te.Message)
	assert.Contains(t, te.Hint, "fallback retry")
	assert.Contains(t, te.Hint, "still broken")
	assert.Equal(t, 2, cliC.callCount())
}

func TestToolCallsEncodedAsEnvelope(t *testing.T) {
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){
		func(*providers.Request) (*providers.Response, error) {
			return &providers.Response{ToolCalls: []types.ToolCall{
				{ServerID: "figma", Tool: "get_file", Arguments: map[string]any{}},
			}}, nil
		},
	}}
	a := newAdapter(t, fakeCreds{}, nil, cliC)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	calls, okDecode := types.DecodeToolCalls(out)
	require.True(t, okDecode)
	require.Len(t, calls, 1)
	assert.Equal(t, "figma", calls[0].ServerID)
}

func TestCancellationIsNeverRecovered(t *testing.T) {
	reason := errors.New("user stopped the run")
	cancelled := &types.Error{Code: types.ErrCancelled, Message: "cancelled", Cause: reason}
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){fail(cancelled)}}
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){ok("should not run")}}
	a := newAdapter(t, fakeCreds{key: "sk", explicit: false}, httpC, cliC)

	_, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCancelled))
	assert.ErrorIs(t, err, reason)
	assert.Equal(t, 0, cliC.callCount())
}

func TestTransientHTTPErrorIsRetriedInPlace(t *testing.T) {
	rateLimited := &types.Error{Code: types.ErrRateLimited, Message: "429", Retryable: true, RetryAfterMS: 1}
	httpC := &fakeCaller{name: "anthropic", results: []func(*providers.Request) (*providers.Response, error){
		fail(rateLimited),
		ok("second attempt"),
	}}
	a := newAdapter(t, fakeCreds{key: "sk", explicit: true}, httpC, nil)

	out, err := a.Execute(context.Background(), anthropicStep(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, "second attempt", out)
	assert.Equal(t, 2, httpC.callCount())
}

func TestStructuredOutputSelection(t *testing.T) {
	cliC := &fakeCaller{name: "claude-cli", results: []func(*providers.Request) (*providers.Response, error){ok("done")}}
	a := newAdapter(t, fakeCreds{}, nil, cliC)

	step := anthropicStep()
	step.Role = types.RoleReview
	step.OutputFormat = types.OutputJSON
	_, err := a.Execute(context.Background(), step, "ctx")
	require.NoError(t, err)
	assert.True(t, cliC.requests[0].StructuredOutput)
}

func TestUnknownProviderIsConfigurationError(t *testing.T) {
	a := newAdapter(t, fakeCreds{}, nil, nil)
	step := anthropicStep()
	step.Provider.ProviderID = "made-up"

	_, err := a.Execute(context.Background(), step, "ctx")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}
