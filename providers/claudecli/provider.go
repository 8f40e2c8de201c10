// Package claudecli implements the subprocess transport for the claude
// command-line tool. Output is file-based: the tool writes its last message
// to a path the provider supplies.
package claudecli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/types"
)

// Provider invokes the claude CLI once per step turn.
type Provider struct {
	cfg    config.CLIConfig
	logger *zap.Logger
}

// New creates the provider.
func New(cfg config.CLIConfig, logger *zap.Logger) *Provider {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger.With(zap.String("component", "provider.claudecli"))}
}

func (p *Provider) Name() string { return "claude-cli" }

// Call runs the CLI with the full flag set, retrying once with a reduced set
// when the installed version rejects an option.
func (p *Provider) Call(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	outDir := p.cfg.OutputDir
	if outDir == "" {
		outDir = os.TempDir()
	}
	outPath := filepath.Join(outDir, "last-message-"+uuid.NewString()+".md")
	defer os.Remove(outPath)

	prompt := renderPrompt(req)

	text, err := p.run(ctx, p.fullArgs(req, outPath), prompt, outPath)
	if err != nil {
		if !types.IsCode(err, types.ErrUnknownOption) {
			return nil, err
		}
		// Older CLI builds reject the tuning flags; retry once with the
		// minimal compatible set.
		p.logger.Warn("retrying with reduced flag set", zap.Error(err))
		text, err = p.run(ctx, p.reducedArgs(req, outPath), prompt, outPath)
		if err != nil {
			return nil, err
		}
	}
	return providers.ResponseFromText(text), nil
}

func (p *Provider) fullArgs(req *providers.Request, outPath string) []string {
	args := []string{
		"-p",
		"--output-file", outPath,
		"--effort", providers.EffortForCLI(req.Effort),
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.FastMode {
		args = append(args, "--fast")
	}
	if req.ExtendedContext {
		args = append(args, "--1m-context")
	}
	if req.ContextWindow > 0 {
		args = append(args, "--context-window", strconv.Itoa(req.ContextWindow))
	}
	return args
}

func (p *Provider) reducedArgs(req *providers.Request, outPath string) []string {
	args := []string{"-p", "--output-file", outPath}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

func (p *Provider) run(ctx context.Context, args []string, prompt, outPath string) (string, error) {
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

	data, readErr := os.ReadFile(outPath)
	if readErr != nil {
		// The tool exited zero without writing the file; fall back to stdout.
		data = stdout.Bytes()
	}
	return strings.TrimSpace(string(data)), nil
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
	if isUnknownOption(tail) {
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

func isUnknownOption(tail string) bool {
	lower := strings.ToLower(tail)
	return strings.Contains(lower, "unknown option") ||
		strings.Contains(lower, "unknown flag") ||
		strings.Contains(lower, "unrecognized option")
}

// renderPrompt prefixes the scope contract for orchestrator turns so the CLI
// does not simulate downstream stages.
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
