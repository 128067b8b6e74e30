// Package tokenizer wraps the tiktoken codec behind the two operations the
// engine needs: counting tokens and truncating free text to a token budget.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"
)

var (
	mu    sync.RWMutex
	codec tokenizer.Codec
	log   *zap.Logger
)

// Init loads the cl100k_base codec once per process.
func Init(logger *zap.Logger) error {
	mu.Lock()
	defer mu.Unlock()

	if codec != nil {
		return nil
	}

	c, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return fmt.Errorf("load cl100k_base codec: %w", err)
	}
	codec = c
	log = logger
	return nil
}

func getCodec() (tokenizer.Codec, error) {
	mu.RLock()
	defer mu.RUnlock()
	if codec == nil {
		return nil, fmt.Errorf("tokenizer not initialized")
	}
	return codec, nil
}

// CountTokens returns the token count of text.
func CountTokens(text string) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, err
	}
	return c.Count(text)
}

// Truncate cuts text down to at most maxTokens tokens. Text within budget is
// returned unchanged. On codec failure the raw text is returned so payload
// building degrades to unbounded rather than empty; the caller's request-size
// expectations are best effort in that case.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}

	c, err := getCodec()
	if err != nil {
		return text
	}

	ids, _, err := c.Encode(text)
	if err != nil {
		if log != nil {
			log.Warn("tokenizer encode failed, skipping truncation", zap.Error(err))
		}
		return text
	}
	if len(ids) <= maxTokens {
		return text
	}

	out, err := c.Decode(ids[:maxTokens])
	if err != nil {
		if log != nil {
			log.Warn("tokenizer decode failed, skipping truncation", zap.Error(err))
		}
		return text
	}
	return out
}
