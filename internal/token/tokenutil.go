// Package token counts prompt tokens with tiktoken-go, falling back to a
// cheap heuristic when the encoding cannot be loaded (offline test runs).
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
}

// Count returns the token count of text under cl100k_base, or a heuristic
// estimate when the encoding is unavailable.
func Count(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, word count) as a rough token estimate.
func Estimate(text string) int {
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
