package agent

import (
	"strings"
	"time"
)

// Error-text classification for provider call failures. Matching is
// case-insensitive substring search against fixed pattern lists; permanent
// patterns take precedence over transient ones.

// overflowPatterns mark context-window overflow. They are a subset of the
// permanent patterns: an overflow is never retried as-is, it triggers
// compaction instead.
var overflowPatterns = []string{
	"context_length_exceeded",
	"maximum context length",
	"max_tokens",
	"max_prompt_tokens",
	"too many tokens",
	"prompt is too long",
	"prompt_tokens_exceeded",
	"request too large",
	"context window",
	"token limit",
	"exceeds the limit",
	"input too long",
	"exceeds the model's maximum",
	"reduce the length",
	"maximum number of tokens",
	"content_too_large",
	"string_above_max_length",
}

// permanentPatterns surface immediately without a retry.
var permanentPatterns = append([]string{
	"unauthorized",
	"invalid_api_key",
	"authentication",
}, overflowPatterns...)

// transientPatterns are retried with exponential backoff.
var transientPatterns = []string{
	"overloaded",
	"rate_limit",
	"rate limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"connection",
	"econnreset",
	"econnrefused",
	"etimedout",
	"fetch failed",
	"socket hang up",
	"request timeout",
	"server_error",
}

func matchesAny(reason string, patterns []string) bool {
	lower := strings.ToLower(reason)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsOverflow reports whether the error text indicates context-window overflow.
func IsOverflow(reason string) bool {
	return matchesAny(reason, overflowPatterns)
}

// IsRetryable reports whether the error text indicates a transient failure.
// Permanent patterns (auth, overflow) win when both match.
func IsRetryable(reason string) bool {
	if matchesAny(reason, permanentPatterns) {
		return false
	}
	return matchesAny(reason, transientPatterns)
}

// RetryDelay computes the backoff before the given 1-indexed attempt:
// min(base * 2^(attempt-1), max). No jitter.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// UsageOverflow reports whether the observed input token count exceeds the
// model's context window. Callers skip the check when the window is unknown.
func UsageOverflow(inputTokens, window int) bool {
	return inputTokens > window
}
