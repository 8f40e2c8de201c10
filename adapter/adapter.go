// Package adapter produces step output for one step dispatch, hiding
// provider selection, transport selection and failure recovery from the
// scheduler.
package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/ctxkeys"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/providers/anthropic"
	"github.com/BaSui01/stepflow/providers/claudecli"
	"github.com/BaSui01/stepflow/providers/codexcli"
	"github.com/BaSui01/stepflow/providers/openai"
	"github.com/BaSui01/stepflow/retry"
	"github.com/BaSui01/stepflow/stream"
	"github.com/BaSui01/stepflow/types"
)

// Known provider ids. Each has an HTTP transport and a CLI transport.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Adapter routes one step turn to the right provider transport and recovers
// from transport failures before surfacing an error.
type Adapter struct {
	cfg     config.ProvidersConfig
	creds   CredentialSource
	httpFor map[string]providers.Caller
	cliFor  map[string]providers.Caller

	limiter *rate.Limiter
	retryer retry.Retryer
	trimmer *Trimmer
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option overrides a collaborator, used by tests to inject fakes.
type Option func(*Adapter)

// WithCredentialSource replaces the credential source.
func WithCredentialSource(cs CredentialSource) Option {
	return func(a *Adapter) { a.creds = cs }
}

// WithHTTPCaller replaces the HTTP transport for one provider.
func WithHTTPCaller(providerID string, c providers.Caller) Option {
	return func(a *Adapter) { a.httpFor[providerID] = c }
}

// WithCLICaller replaces the CLI transport for one provider.
func WithCLICaller(providerID string, c providers.Caller) Option {
	return func(a *Adapter) { a.cliFor[providerID] = c }
}

// WithRetryPolicy replaces the transient-error retry policy.
func WithRetryPolicy(p *retry.Policy, logger *zap.Logger) Option {
	return func(a *Adapter) { a.retryer = retry.NewBackoffRetryer(p, logger) }
}

// New wires the adapter from static configuration.
func New(cfg config.ProvidersConfig, streamCfg config.StreamConfig, m *metrics.Collector, logger *zap.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := stream.NewParser(streamCfg.IdleTimeout, logger)

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	policy.IsRetryable = transientOnly
	policy.RetryAfter = retryAfterHint

	a := &Adapter{
		cfg:   cfg,
		creds: NewConfigCredentials(cfg),
		httpFor: map[string]providers.Caller{
			ProviderAnthropic: anthropic.New(cfg.Anthropic, parser, logger),
			ProviderOpenAI:    openai.New(cfg.OpenAI, parser, logger),
		},
		cliFor: map[string]providers.Caller{
			ProviderAnthropic: claudecli.New(cfg.ClaudeCLI, logger),
			ProviderOpenAI:    codexcli.New(cfg.CodexCLI, logger),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retryer: retry.NewBackoffRetryer(policy, logger),
		trimmer: NewTrimmer(cfg.Anthropic.TrimBudgetTokens, logger),
		metrics: m,
		logger:  logger.With(zap.String("component", "adapter")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// transientOnly keeps timeouts out of the blind retry loop: for the
// Anthropic-compatible provider they get the downgrade retry instead.
func transientOnly(err error) bool {
	te, ok := err.(*types.Error)
	if !ok {
		return false
	}
	return te.Retryable &&
		te.Code != types.ErrTimeout &&
		te.Code != types.ErrStreamStalled &&
		te.Code != types.ErrCancelled
}

func retryAfterHint(err error) (time.Duration, bool) {
	if te, ok := err.(*types.Error); ok && te.RetryAfterMS > 0 {
		return time.Duration(te.RetryAfterMS) * time.Millisecond, true
	}
	return 0, false
}

// Execute produces the output string for one step dispatch. Tool calls are
// returned JSON-encoded under the mcp_calls key; otherwise the provider's
// text is returned as-is.
func (a *Adapter) Execute(ctx context.Context, step types.Step, contextText string) (string, error) {
	req := a.buildRequest(step, contextText)
	providerID := step.Provider.ProviderID
	if providerID == "" {
		providerID = ProviderAnthropic
	}
	httpCaller, httpOK := a.httpFor[providerID]
	cliCaller, cliOK := a.cliFor[providerID]
	if !httpOK && !cliOK {
		return "", &types.Error{
			Code:    types.ErrConfiguration,
			Message: fmt.Sprintf("step %s selects unknown provider %q", step.ID, providerID),
		}
	}

	key, explicit := a.creds.Credential(providerID)

	primary, secondary := cliCaller, httpCaller
	primaryHTTP := false
	fallbackAllowed := httpOK
	if key != "" && httpOK {
		primary, secondary = httpCaller, cliCaller
		primaryHTTP = true
		// An explicitly supplied credential pins the HTTP path.
		fallbackAllowed = !explicit && cliOK
	}

	resp, err := a.call(ctx, primary, primaryHTTP, req)
	if err == nil {
		return encodeOutput(resp)
	}
	if types.IsCode(err, types.ErrCancelled) {
		return "", err
	}

	if providerID == ProviderAnthropic && isTimeoutClass(err) {
		resp, derr := a.downgradeRetry(ctx, primary, primaryHTTP, req, err)
		if derr != nil {
			return "", derr
		}
		return encodeOutput(resp)
	}

	if fallbackAllowed && secondary != nil {
		logger := a.logger
		if runID, ok := ctxkeys.RunID(ctx); ok {
			logger = logger.With(zap.String("run", runID))
		}
		logger.Warn("primary transport failed, attempting the other path",
			zap.String("step", step.ID),
			zap.String("primary", primary.Name()),
			zap.String("fallback", secondary.Name()),
			zap.Error(err),
		)
		resp, ferr := a.call(ctx, secondary, !primaryHTTP, req)
		if ferr == nil {
			return encodeOutput(resp)
		}
		if types.IsCode(ferr, types.ErrCancelled) {
			return "", ferr
		}
		if te, ok := ferr.(*types.Error); ok {
			withNote := *te
			withNote.Hint = joinHint(te.Hint, fmt.Sprintf("primary path %s also failed: %v", primary.Name(), err))
			return "", &withNote
		}
		return "", ferr
	}
	return "", err
}

// downgradeRetry applies the bounded Anthropic timeout recovery: fallback
// model, low effort, fast mode, no extended context, capped window, trimmed
// context. A failed retry surfaces the original timeout error with a note.
func (a *Adapter) downgradeRetry(ctx context.Context, caller providers.Caller, viaHTTP bool, req *providers.Request, origErr error) (*providers.Response, error) {
	fb := *req
	fb.Model = a.cfg.Anthropic.FallbackModel
	fb.Effort = types.EffortLow
	fb.FastMode = true
	fb.ExtendedContext = false
	if a.cfg.Anthropic.FallbackContextWindow > 0 {
		if fb.ContextWindow == 0 || fb.ContextWindow > a.cfg.Anthropic.FallbackContextWindow {
			fb.ContextWindow = a.cfg.Anthropic.FallbackContextWindow
		}
	}
	fb.Prompt = a.trimmer.Trim(req.Prompt)

	a.logger.Warn("timeout on anthropic path, retrying once with downgraded call",
		zap.String("step", req.StepID),
		zap.String("fallback_model", fb.Model),
	)
	resp, err := a.call(ctx, caller, viaHTTP, &fb)
	if err != nil {
		if types.IsCode(err, types.ErrCancelled) {
			return nil, err
		}
		if te, ok := origErr.(*types.Error); ok {
			withNote := *te
			withNote.Hint = joinHint(te.Hint, fmt.Sprintf("fallback retry with %s also failed: %v", fb.Model, err))
			return nil, &withNote
		}
		return nil, origErr
	}
	return resp, nil
}

// call runs one transport attempt, with rate limiting and transient-error
// retry on the HTTP path.
func (a *Adapter) call(ctx context.Context, caller providers.Caller, viaHTTP bool, req *providers.Request) (*providers.Response, error) {
	invoke := func() (*providers.Response, error) {
		start := time.Now()
		resp, err := caller.Call(ctx, req)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
			if types.IsCode(err, types.ErrStreamStalled) {
				a.metrics.RecordStreamStall(caller.Name())
			}
		}
		a.metrics.RecordProviderRequest(caller.Name(), status, elapsed)
		return resp, err
	}

	if !viaHTTP {
		// The CLI providers carry their own unknown-option retry.
		return invoke()
	}

	if err := a.limiter.Wait(ctx); err != nil {
		cause := context.Cause(ctx)
		return nil, &types.Error{Code: types.ErrCancelled, Message: fmt.Sprintf("rate limiter wait cancelled: %v", cause), Cause: cause}
	}
	result, err := a.retryer.DoWithResult(ctx, func() (any, error) {
		return invoke()
	})
	if err != nil {
		// Unwrap the retryer's "failed after N retries" wrapper so callers
		// can classify by code.
		if te := asTypesError(err); te != nil {
			return nil, te
		}
		return nil, err
	}
	return result.(*providers.Response), nil
}

func (a *Adapter) buildRequest(step types.Step, contextText string) *providers.Request {
	format := step.OutputFormat
	if format == "" {
		format = types.OutputMarkdown
	}
	return &providers.Request{
		StepID:           step.ID,
		StepName:         step.Name,
		Role:             step.Role,
		System:           step.Prompt,
		Prompt:           contextText,
		OutputFormat:     format,
		StructuredOutput: format == types.OutputJSON && providers.NeedsStructuredOutput(step.Role, step.Name),
		ToolServerIDs:    step.ToolServers,
		Model:            step.Provider.Model,
		Effort:           step.Provider.ReasoningEffort,
		FastMode:         step.Provider.FastMode,
		ExtendedContext:  step.Provider.ExtendedContext,
		ContextWindow:    step.Provider.ContextWindow,
	}
}

func encodeOutput(resp *providers.Response) (string, error) {
	if len(resp.ToolCalls) > 0 {
		return types.EncodeToolCalls(resp.ToolCalls)
	}
	return resp.Text, nil
}

func isTimeoutClass(err error) bool {
	return types.IsCode(err, types.ErrTimeout) || types.IsCode(err, types.ErrStreamStalled)
}

func asTypesError(err error) *types.Error {
	for err != nil {
		if te, ok := err.(*types.Error); ok {
			return te
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

func joinHint(hint, note string) string {
	if hint == "" {
		return note
	}
	return hint + "; " + note
}
