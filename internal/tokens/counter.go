// Package tokens provides token-count estimation for usage reporting and
// context-length warnings. Counts are advisory: Kiro does not report exact
// token usage, so the gateway estimates with a tokenizer and falls back to a
// character heuristic when encoding fails.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// CharsPerToken is the average characters-per-token used by the fallback
// estimator.
const CharsPerToken = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// getCodec lazily initializes the shared tokenizer codec. Claude models have
// no public tokenizer; cl100k is close enough for advisory counts.
func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// EstimateText estimates the token count of a text fragment.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	if c := getCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return fallbackCount(text)
}

// fallbackCount is the ⌈chars/4⌉ heuristic.
func fallbackCount(text string) int {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	count := (n + CharsPerToken - 1) / CharsPerToken
	if count < 1 {
		count = 1
	}
	return count
}

// EstimateBody estimates the token weight of a raw request body. Used for the
// pre-flight context-length warning; the body is counted wholesale rather
// than per-field because the warning only needs magnitude.
func EstimateBody(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	// Tokenizing multi-megabyte bodies is not worth the latency; the
	// character heuristic is accurate enough at warning scale.
	if len(body) > 256*1024 {
		return len(body) / CharsPerToken
	}
	return EstimateText(string(body))
}
