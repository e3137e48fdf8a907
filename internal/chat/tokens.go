package chat

import (
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter counts tokens with a tiktoken encoding, loaded lazily since
// the first load may download the BPE ranks.
type TokenCounter struct {
	encoding string
	log      *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string, log *zap.Logger) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenCounter{encoding: encoding, log: log}
}

func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.log.Warn("Tiktoken encoding unavailable, estimating tokens",
				zap.String("encoding", c.encoding),
				zap.Error(err),
			)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens counts each CJK rune as one token and other text at
// roughly four bytes per token.
func EstimateTokens(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
			continue
		}
		other += utf8.RuneLen(r)
	}
	return cjk + (other+3)/4
}
