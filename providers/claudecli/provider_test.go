package claudecli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/types"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fakes require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// outFileScript resolves the --output-file argument into $out.
const outFileScript = `out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output-file" ]; then out="$a"; fi
  prev="$a"
done
cat > /dev/null
`

func newProvider(t *testing.T, script string, timeout time.Duration) *Provider {
	t.Helper()
	return New(config.CLIConfig{
		Command:   script,
		OutputDir: t.TempDir(),
		Timeout:   timeout,
	}, zap.NewNop())
}

func TestCallReadsFileBasedOutput(t *testing.T) {
	script := writeScript(t, outFileScript+`printf 'answer from file' > "$out"`+"\n")
	p := newProvider(t, script, time.Minute)

	resp, err := p.Call(context.Background(), &providers.Request{Prompt: "hi", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.Equal(t, "answer from file", resp.Text)
}

func TestCallEmptyOutputBecomesSentinel(t *testing.T) {
	script := writeScript(t, outFileScript+`: > "$out"`+"\n")
	p := newProvider(t, script, time.Minute)

	resp, err := p.Call(context.Background(), &providers.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, providers.NoTextOutput, resp.Text)
}

func TestCallDecodesToolCallEnvelope(t *testing.T) {
	script := writeScript(t, outFileScript+
		`printf '{"mcp_calls":[{"server_id":"figma","tool":"get_file","arguments":{}}]}' > "$out"`+"\n")
	p := newProvider(t, script, time.Minute)

	resp, err := p.Call(context.Background(), &providers.Request{Prompt: "export"})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "figma", resp.ToolCalls[0].ServerID)
}

func TestCallRetriesOnUnknownOption(t *testing.T) {
	// Reject the --fast flag the way an older CLI build would, succeed on the
	// reduced flag set.
	script := writeScript(t, `for a in "$@"; do
  if [ "$a" = "--fast" ]; then
    echo "error: unknown option '--fast'" >&2
    exit 2
  fi
done
`+outFileScript+`printf 'reduced flags worked' > "$out"`+"\n")
	p := newProvider(t, script, time.Minute)

	resp, err := p.Call(context.Background(), &providers.Request{Prompt: "hi", FastMode: true})
	require.NoError(t, err)
	assert.Equal(t, "reduced flags worked", resp.Text)
}

func TestCallSurfacesStderrTail(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "FATAL: no credit left" >&2
exit 1
`)
	p := newProvider(t, script, time.Minute)

	_, err := p.Call(context.Background(), &providers.Request{Prompt: "hi"})
	require.Error(t, err)
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrTransport, te.Code)
	assert.Contains(t, te.Message, "FATAL: no credit left")
}

func TestCallTimesOut(t *testing.T) {
	script := writeScript(t, "sleep 10\n")
	p := newProvider(t, script, 100*time.Millisecond)

	_, err := p.Call(context.Background(), &providers.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
}

func TestCallPreservesCancellationReason(t *testing.T) {
	script := writeScript(t, "sleep 10\n")
	p := newProvider(t, script, time.Minute)

	reason := errors.New("run cancelled by operator")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(reason)
	}()

	_, err := p.Call(ctx, &providers.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCancelled))
	assert.ErrorIs(t, err, reason)
}

func TestOrchestratorPromptCarriesScopeContract(t *testing.T) {
	script := writeScript(t, `out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output-file" ]; then out="$a"; fi
  prev="$a"
done
cat > "$out"
`)
	p := newProvider(t, script, time.Minute)

	resp, err := p.Call(context.Background(), &providers.Request{
		Prompt: "coordinate the build",
		Role:   types.RoleOrchestrator,
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "single orchestrator turn")
	assert.Contains(t, resp.Text, "coordinate the build")
}
