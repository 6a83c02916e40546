package llmutil

import (
	"strings"
	"sync"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// loadEncoding resolves cl100k_base on first use. The encoding may need to be
// fetched, so failures leave the heuristic in charge.
func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns the cl100k_base token count of text, or EstimateFast
// when the encoding is unavailable.
func CountTokens(text string) int {
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, words), and at least 1 for non-blank text.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountMessageTokens estimates the text tokens of a request. Images are not
// counted; providers bill them separately.
func CountMessageTokens(msgs []schemas.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Content)
		for _, call := range m.ToolCalls {
			total += CountTokens(call.Name) + CountTokens(call.Arguments)
		}
	}
	return total
}
