package agent

import (
	"errors"
	"testing"
	"time"
)

func TestIsOverflow(t *testing.T) {
	overflow := []string{
		"Error: context_length_exceeded",
		"This model's maximum context length is 8192 tokens",
		"prompt is too long: 250000 tokens",
		"Request Too Large",
		"string_above_max_length",
	}
	for _, reason := range overflow {
		if !IsOverflow(reason) {
			t.Errorf("IsOverflow(%q) = false, want true", reason)
		}
	}
	if IsOverflow("connection reset by peer") {
		t.Error("transient reason classified as overflow")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []string{
		"429 Too Many Requests",
		"server overloaded, try again",
		"ECONNRESET",
		"rate_limit_error",
		"502 Bad Gateway",
	}
	for _, reason := range retryable {
		if !IsRetryable(reason) {
			t.Errorf("IsRetryable(%q) = false, want true", reason)
		}
	}

	permanent := []string{
		"401 Unauthorized",
		"invalid_api_key",
		"authentication failed",
		"completely novel failure mode",
	}
	for _, reason := range permanent {
		if IsRetryable(reason) {
			t.Errorf("IsRetryable(%q) = true, want false", reason)
		}
	}
}

func TestOverflowPatternsAreNeverRetryable(t *testing.T) {
	for _, pattern := range overflowPatterns {
		if IsRetryable(pattern) {
			t.Errorf("overflow pattern %q is retryable", pattern)
		}
	}
}

func TestPermanentWinsWhenBothMatch(t *testing.T) {
	// "429" is transient, "token limit" permanent; permanent must win.
	reason := "429: request exceeds token limit"
	if IsRetryable(reason) {
		t.Error("permanent pattern did not take precedence")
	}
}

func TestRetryDelay(t *testing.T) {
	base := 50 * time.Millisecond
	max := 200 * time.Millisecond

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 200 * time.Millisecond}, // capped
		{10, 200 * time.Millisecond},
		{0, 50 * time.Millisecond}, // clamped to 1
	}
	for _, tc := range cases {
		if got := RetryDelay(tc.attempt, base, max); got != tc.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryDelayNoOverflowOnLargeAttempt(t *testing.T) {
	got := RetryDelay(64, 2*time.Second, 60*time.Second)
	if got != 60*time.Second {
		t.Errorf("RetryDelay(64) = %v, want cap", got)
	}
}

func TestUsageOverflow(t *testing.T) {
	if !UsageOverflow(101, 100) {
		t.Error("101 > 100 should overflow")
	}
	if UsageOverflow(100, 100) {
		t.Error("equal counts should not overflow")
	}
	if UsageOverflow(50, 100) {
		t.Error("under the window should not overflow")
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{errors.New("maximum context length exceeded"), FailureOverflow},
		{errors.New("503 Service Unavailable"), FailureTransient},
		{errors.New("invalid_api_key"), FailurePermanent},
		{errors.New("something unheard of"), FailurePermanent},
	}
	for _, tc := range cases {
		if got := classifyFailure(tc.err); got != tc.want {
			t.Errorf("classifyFailure(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
