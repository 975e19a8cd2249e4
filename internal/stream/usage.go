package stream

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/adapters"
)

// DefaultEncoding is the tokenizer used when none is configured.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// TokenEstimator fills in usage when the upstream does not report it.
// Counts are approximate; the upstream's own tokenizer is unknown.
type TokenEstimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator for a tiktoken encoding. An empty
// encoding, or one that fails to load, falls back to four bytes per token.
func NewTokenEstimator(encoding string) *TokenEstimator {
	return &TokenEstimator{encoding: encoding}
}

// Count returns the estimated token count of text.
func (e *TokenEstimator) Count(text string) int {
	e.init()
	if e.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Estimate builds usage from the prompt messages and the completion text.
func (e *TokenEstimator) Estimate(messages []adapters.Message, completion string) adapters.Usage {
	prompt := 0
	for i := range messages {
		prompt += perMessageOverhead + e.Count(messages[i].Text)
	}
	out := e.Count(completion)
	return adapters.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

func (e *TokenEstimator) init() {
	e.once.Do(func() {
		if e.encoding == "" {
			return
		}
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			log.Warn().Err(err).Str("encoding", e.encoding).Msg("tokenizer unavailable, using byte estimate")
			return
		}
		e.enc = enc
	})
}
