// Package codexcli implements the subprocess transport for the codex
// command-line tool, which reports its last message on stdout.
package codexcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/types"
)

// Provider invokes the codex CLI once per step turn.
type Provider struct {
	cfg    config.CLIConfig
	logger *zap.Logger
}

// New creates the provider.
func New(cfg config.CLIConfig, logger *zap.Logger) *Provider {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger.With(zap.String("component", "provider.codexcli"))}
}

func (p *Provider) Name() string { return "codex-cli" }

// stdout carries a JSON envelope with the final message under "result"; a
// plain-text fallback is accepted for older builds.
type cliOutput struct {
	Result string `json:"result"`
}

// Call runs the CLI, retrying once with a reduced flag set on an
// unknown-option failure.
func (p *Provider) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	prompt := renderPrompt(req)

	text, err := p.run(ctx, p.fullArgs(req), prompt)
	if err != nil {
		if !types.IsCode(err, types.ErrUnknownOption) {
			return nil, err
		}
		p.logger.Warn("retrying with reduced flag set", zap.Error(err))
		text, err = p.run(ctx, p.reducedArgs(req), prompt)
		if err != nil {
			return nil, err
		}
	}
	return providers.ResponseFromText(text), nil
}

func (p *Provider) fullArgs(req *providers.Request) []string {
	args := []string{
		"exec",
		"--json",
		"--reasoning-effort", providers.EffortForCLI(req.Effort),
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.FastMode {
		args = append(args, "--fast")
	}
	if req.ContextWindow > 0 {
		args = append(args, "--context-window", strconv.Itoa(req.ContextWindow))
	}
	return args
}

func (p *Provider) reducedArgs(req *providers.Request) []string {
	args := []string{"exec", "--json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

func (p *Provider) run(ctx context.Context, args []string, prompt string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		return "", p.classify(ctx, execCtx, err, stdout.Bytes(), stderr.Bytes(), elapsed)
	}

	text := strings.TrimSpace(stdout.String())
	var parsed cliOutput
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.Result != "" {
		text = strings.TrimSpace(parsed.Result)
	}
	return text, nil
}

func (p *Provider) classify(ctx, execCtx context.Context, err error, stdout, stderr []byte, elapsed time.Duration) error {
	tail := providers.ErrTail(stdout, stderr)

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		return &types.Error{Code: types.ErrCancelled, Message: fmt.Sprintf("subprocess cancelled: %v", cause), Provider: p.Name(), Cause: cause}
	}
	if execCtx.Err() != nil {
		return &types.Error{
			Code:      types.ErrTimeout,
			Message:   fmt.Sprintf("%s produced no result within %s", p.cfg.Command, p.cfg.Timeout),
			Hint:      "timeout",
			Provider:  p.Name(),
			Retryable: true,
			Cause:     err,
		}
	}
	lower := strings.ToLower(tail)
	if strings.Contains(lower, "unknown option") || strings.Contains(lower, "unknown flag") ||
		strings.Contains(lower, "unrecognized option") {
		return &types.Error{
			Code:     types.ErrUnknownOption,
			Message:  tail,
			Hint:     "installed CLI version does not support a requested option",
			Provider: p.Name(),
			Cause:    err,
		}
	}
	return &types.Error{
		Code:     types.ErrTransport,
		Message:  fmt.Sprintf("%s exited after %s: %s", p.cfg.Command, elapsed.Round(time.Millisecond), tail),
		Hint:     "subprocess failed",
		Provider: p.Name(),
		Cause:    err,
	}
}

func renderPrompt(req *providers.Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	if req.Role == types.RoleOrchestrator {
		b.WriteString("This is a single orchestrator turn. Produce only this stage's result; do not simulate or pre-empt downstream stages.\n\n")
	}
	b.WriteString(req.Prompt)
	return b.String()
}
