// Package tokenutil counts and budgets tokens for compaction output using
// tiktoken-go's cl100k_base encoding. Adapted from the teacher's
// internal/shared/token tokenutil package (tokenutil_test.go), generalized
// from chat-context trimming to the learnings-file compaction writer's
// token budget.
package tokenutil

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

var encoding *tiktoken.Tiktoken

func init() {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		encoding = enc
	}
}

// CountTokens returns the token count of text, falling back to a rough
// rune-based estimate when the encoder failed to load.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast is the no-encoder fallback: the larger of a rune/4 estimate
// and the word count, since short token-dense text under-counts on a pure
// character ratio.
func EstimateFast(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	runes := len([]rune(text)) / 4
	if words > runes {
		return words
	}
	return runes
}

// TruncateToTokens truncates text to at most maxTokens tokens, appending
// "..." when truncation occurred. maxTokens <= 0 is a no-op.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if CountTokens(text) <= maxTokens {
		return text
	}
	if encoding == nil {
		runes := []rune(text)
		limit := maxTokens * 4
		if limit > len(runes) {
			limit = len(runes)
		}
		return string(runes[:limit]) + "..."
	}
	tokens := encoding.Encode(text, nil, nil)
	if maxTokens > len(tokens) {
		maxTokens = len(tokens)
	}
	return encoding.Decode(tokens[:maxTokens]) + "..."
}
