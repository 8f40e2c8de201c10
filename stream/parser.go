// Package stream decodes chunked event-stream response bodies into
// accumulated text and reconstructed tool calls.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// Idle timeout bounds. A stream that produces no event boundary within the
// window is torn down rather than held open.
const (
	DefaultIdleTimeout = 90 * time.Second
	MinIdleTimeout     = 1 * time.Second
	MaxIdleTimeout     = 600 * time.Second
)

// Dialect selects the provider event vocabulary.
type Dialect string

const (
	// DialectAnthropic parses message_start/content_block_* events.
	DialectAnthropic Dialect = "anthropic"
	// DialectOpenAI parses response.* events from a /responses endpoint.
	DialectOpenAI Dialect = "openai"
)

// Result is the fully assembled output of one stream.
type Result struct {
	Text       string
	ToolCalls  []types.ToolCall
	StopReason string
}

// Parser assembles event streams. Safe for concurrent use; per-stream state
// lives in Parse.
type Parser struct {
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewParser creates a parser. A zero idle timeout uses the default; other
// values are clamped to [1s, 600s].
func NewParser(idleTimeout time.Duration, logger *zap.Logger) *Parser {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if idleTimeout < MinIdleTimeout {
		idleTimeout = MinIdleTimeout
	}
	if idleTimeout > MaxIdleTimeout {
		idleTimeout = MaxIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{idleTimeout: idleTimeout, logger: logger}
}

type chunk struct {
	data []byte
	err  error
}

// Parse consumes body to completion. It closes body in all cases. Tool calls
// are deduplicated by (server_id, tool, arguments) before being returned.
func (p *Parser) Parse(ctx context.Context, body io.ReadCloser, dialect Dialect) (*Result, error) {
	defer body.Close()

	chunks := make(chan chunk, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- chunk{data: data}:
				case <-quit:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case chunks <- chunk{err: err}:
					case <-quit:
					}
				}
				return
			}
		}
	}()

	st := newStreamState(dialect, p.logger)
	var pending bytes.Buffer

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Unblock the reader goroutine, then surface the original
			// cancellation reason.
			body.Close()
			cause := context.Cause(ctx)
			return nil, &types.Error{
				Code:    types.ErrCancelled,
				Message: fmt.Sprintf("stream read cancelled: %v", cause),
				Cause:   cause,
			}

		case <-timer.C:
			body.Close()
			return nil, &types.Error{
				Code:      types.ErrStreamStalled,
				Message:   fmt.Sprintf("event stream produced no data for %s", p.idleTimeout),
				Hint:      "provider held the connection open without sending events",
				Retryable: true,
			}

		case c, ok := <-chunks:
			if !ok {
				// EOF. Flush any trailing event without a final boundary.
				if err := p.drain(&pending, st, true); err != nil {
					return nil, err
				}
				return st.result(), nil
			}
			if c.err != nil {
				return nil, &types.Error{
					Code:      types.ErrTransport,
					Message:   fmt.Sprintf("stream read failed: %v", c.err),
					Retryable: true,
					Cause:     c.err,
				}
			}

			pending.Write(c.data)
			if err := p.drain(&pending, st, false); err != nil {
				return nil, err
			}
			if st.done {
				return st.result(), nil
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

// drain extracts complete events from pending and dispatches them. With
// flush set, a trailing partial event is dispatched as-is.
func (p *Parser) drain(pending *bytes.Buffer, st *streamState, flush bool) error {
	for {
		raw := pending.Bytes()
		idx, skip := eventBoundary(raw)
		if idx < 0 {
			break
		}
		event := string(raw[:idx])
		pending.Next(idx + skip)
		if err := st.dispatchRaw(event); err != nil {
			return err
		}
	}
	if flush && pending.Len() > 0 {
		event := pending.String()
		pending.Reset()
		if strings.TrimSpace(event) != "" {
			return st.dispatchRaw(event)
		}
	}
	return nil
}

// eventBoundary finds the first blank-line boundary, returning the event end
// offset and the boundary width, or (-1, 0) when incomplete.
func eventBoundary(raw []byte) (int, int) {
	lf := bytes.Index(raw, []byte("\n\n"))
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}
