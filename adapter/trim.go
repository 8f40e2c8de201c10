package adapter

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// trimMarker separates the kept head and tail of a trimmed context.
const trimMarker = "\n\n[... context trimmed for fallback retry ...]\n\n"

// Head/tail shares of the token budget kept when trimming. The head carries
// task framing, the tail carries the most recent state.
const (
	trimHeadShare = 0.65
	trimTailShare = 0.30
)

// Trimmer cuts context text down to a token budget for the downgrade retry.
type Trimmer struct {
	budget int
	enc    *tiktoken.Tiktoken
	logger *zap.Logger
}

// NewTrimmer creates a trimmer with the given token budget. When the BPE
// encoding cannot be loaded (offline environments), token counts are
// approximated at four runes per token.
func NewTrimmer(budget int, logger *zap.Logger) *Trimmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, approximating token counts", zap.Error(err))
		enc = nil
	}
	return &Trimmer{budget: budget, enc: enc, logger: logger}
}

// Trim returns text unchanged when it fits the budget; otherwise it keeps
// 65% of the budget from the head and 30% from the tail with a marker in
// between.
func (t *Trimmer) Trim(text string) string {
	if t.budget <= 0 {
		return text
	}
	if t.enc == nil {
		return t.trimApprox(text)
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= t.budget {
		return text
	}
	head := int(float64(t.budget) * trimHeadShare)
	tail := int(float64(t.budget) * trimTailShare)
	if head+tail >= len(tokens) {
		return text
	}
	t.logger.Info("trimmed context for fallback retry",
		zap.Int("original_tokens", len(tokens)),
		zap.Int("budget", t.budget),
	)
	return t.enc.Decode(tokens[:head]) + trimMarker + t.enc.Decode(tokens[len(tokens)-tail:])
}

func (t *Trimmer) trimApprox(text string) string {
	const runesPerToken = 4
	runes := []rune(text)
	if len(runes)/runesPerToken <= t.budget {
		return text
	}
	head := int(float64(t.budget)*trimHeadShare) * runesPerToken
	tail := int(float64(t.budget)*trimTailShare) * runesPerToken
	if head+tail >= len(runes) {
		return text
	}
	return string(runes[:head]) + trimMarker + string(runes[len(runes)-tail:])
}
