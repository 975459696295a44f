package adapter

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns the cl100k_base token count for text, falling back
// to a characters/3 heuristic when the encoding cannot be loaded.
func CountTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len([]rune(text)) / 3
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateUsage predicts token spend for a prompt ahead of dispatch, for
// budget checks. Output is assumed to run about half the prompt with a
// small floor; billed numbers replace the estimate after the invocation.
func EstimateUsage(prompt string) TokenEstimate {
	input := CountTokens(prompt)
	output := input / 2
	if output < 128 {
		output = 128
	}
	return TokenEstimate{Input: input, Output: output, Total: input + output}
}
