package memory

import (
	"fmt"
	"strings"
)

// formatBudget caps the formatted block injected into the system prompt.
const formatBudget = 2000

// formatExchanges renders past exchanges for prompt injection, splitting the
// budget evenly between them.
func formatExchanges(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	perExchange := max(formatBudget/len(results), 100)

	var b strings.Builder
	b.WriteString("=== RELEVANT PAST CONVERSATIONS ===\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. [similarity %.2f", i+1, r.Similarity)
		if r.WasHelpful != nil && *r.WasHelpful {
			b.WriteString(", marked helpful")
		}
		b.WriteString("]\n")
		fmt.Fprintf(&b, "  User: %q\n", truncate(r.UserMessage, perExchange/3))
		fmt.Fprintf(&b, "  Answer: %q\n", truncate(r.BotResponse, perExchange*2/3))
	}
	return b.String()
}

// truncate shortens s to maxLen bytes, adding "..." if truncated. It never
// splits a UTF-8 sequence.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	cut := maxLen - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
