package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/providers"
	"github.com/BaSui01/stepflow/stream"
	"github.com/BaSui01/stepflow/types"
)

func newProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	return New(config.OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Model:   "gpt-4.1",
	}, stream.NewParser(2*time.Second, zap.NewNop()), zap.NewNop())
}

func TestCallHandlesEventStreamBody(t *testing.T) {
	var auth string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.output_text.delta\n"+
			`data: {"type":"response.output_text.delta","output_index":0,"delta":"ok"}`+"\n\n"+
			"event: response.completed\n"+
			`data: {"type":"response.completed"}`+"\n\n")
	}))
	defer srv.Close()

	resp, err := newProvider(t, srv).Call(context.Background(), &providers.Request{
		Prompt: "hello",
		Effort: types.EffortXHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4.1", body["model"])
	reasoning := body["reasoning"].(map[string]any)
	assert.Equal(t, "high", reasoning["effort"])
}

func TestCallHandlesSingleJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"plain body"}]}]}`)
	}))
	defer srv.Close()

	resp, err := newProvider(t, srv).Call(context.Background(), &providers.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "plain body", resp.Text)
	assert.Equal(t, "completed", resp.StopReason)
}

func TestCallSingleBodyFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"completed","output":[{"type":"function_call","arguments":"{\"server_id\":\"fs\",\"tool\":\"read\",\"arguments\":{\"path\":\"a\"}}"}]}`)
	}))
	defer srv.Close()

	resp, err := newProvider(t, srv).Call(context.Background(), &providers.Request{
		Prompt:        "read it",
		ToolServerIDs: []string{"fs"},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "fs", resp.ToolCalls[0].ServerID)
	assert.Equal(t, "read", resp.ToolCalls[0].Tool)
}

func TestCallDegradesToSentinelOnUnexpectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `"just a string"`)
	}))
	defer srv.Close()

	resp, err := newProvider(t, srv).Call(context.Background(), &providers.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, providers.NoTextOutput, resp.Text)
}

func TestCallAttachesStrictSchema(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"completed","output":[]}`)
	}))
	defer srv.Close()

	_, err := newProvider(t, srv).Call(context.Background(), &providers.Request{
		Prompt:           "report status",
		StructuredOutput: true,
	})
	require.NoError(t, err)
	text := body["text"].(map[string]any)
	format := text["format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	assert.Equal(t, true, format["strict"])
	schema := format["schema"].(map[string]any)
	assert.Contains(t, schema["required"], "workflow_status")
}

func TestCallMapsRateLimitWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("retry-after", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_exceeded","message":"Too many requests"}}`)
	}))
	defer srv.Close()

	_, err := newProvider(t, srv).Call(context.Background(), &providers.Request{Prompt: "hello"})
	var te *types.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.ErrRateLimited, te.Code)
	assert.Equal(t, int64(1000), te.RetryAfterMS)
}
