// Package tokencount provides token estimation for streaming usage synthesis
// and provider fallback accounting. Uses a character-based heuristic
// (~4 chars per token for English), which is sufficient for billing-grade
// estimates when the upstream reports no usage.
package tokencount

import gateway "github.com/tollgate-io/tollgate/internal"

// Estimate returns max(1, len(text)/4) tokens for a plain text string.
func Estimate(text string) int {
	return max(1, len(text)/4)
}

// EstimateExchange estimates the total tokens of a full request/response
// exchange: all message contents plus the generated output, joined the way
// the upstream would see them.
func EstimateExchange(messages []gateway.ChatMessage, output string) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content) + 1 // +1 for the joining separator
	}
	n += len(output)
	return max(1, n/4)
}
