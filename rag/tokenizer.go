package rag

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts and truncates text by model tokens. Used by the fusion
// engine to keep the assembled context inside a token budget.
type Tokenizer interface {
	CountTokens(text string) int
	Truncate(text string, maxTokens int) string
}

// encodingFor maps model names to tiktoken encodings.
var encodingFor = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

// TiktokenTokenizer is a tiktoken-backed Tokenizer. Encoding data is loaded
// lazily on first use; on load failure every call falls back to a character
// estimate and logs once.
type TiktokenTokenizer struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenTokenizer creates a tokenizer for the given model. Unknown
// models fall back to cl100k_base.
func NewTiktokenTokenizer(model string, logger *zap.Logger) *TiktokenTokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	encoding, ok := encodingFor[model]
	if !ok {
		encoding = "cl100k_base"
	}
	return &TiktokenTokenizer{encoding: encoding, logger: logger}
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, falling back to estimate",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens returns the token count, estimating len/4 when the encoding
// data could not be loaded.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	if err := t.init(); err != nil {
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text down to at most maxTokens tokens. maxTokens <= 0
// returns the text unchanged.
func (t *TiktokenTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if err := t.init(); err != nil {
		limit := maxTokens * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit]
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.enc.Decode(tokens[:maxTokens])
}
