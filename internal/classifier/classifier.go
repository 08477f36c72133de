// Package classifier implements the deterministic backend failure
// classification used by the task queue worker's retry policy.
package classifier

import (
	"fmt"
	"strings"

	"github.com/andgineer/news-recap/internal/models"
)

// Version is bumped whenever the pattern tables below change, so that
// LlmTaskAttempt rows can record which rule set produced a classification.
const Version = 1

var billingOrQuotaPatterns = []string{
	"quota",
	"resource_exhausted",
	"insufficient",
	"billing",
	"payment",
	"credits",
	"usage limit",
	"exceeded",
}

var accessOrAuthPatterns = []string{
	"unauthorized",
	"forbidden",
	"permission denied",
	"invalid api key",
	"authentication",
	"auth",
	"restricted token",
}

var modelNotAvailablePatterns = []string{
	"model not found",
	"unknown model",
	"unsupported model",
	"invalid model",
	"model is not available",
	"not available in your region",
}

var rateLimitTransientPatterns = []string{
	"too many requests",
	"rate limit",
	"429",
	"please retry",
	"try again later",
}

var genericTransientPatterns = []string{
	"temporarily unavailable",
	"temporary failure",
	"connection reset",
	"network error",
	"could not resolve host",
	"dns",
}

// Result is a normalized failure classification.
type Result struct {
	FailureClass   models.FailureClass
	ReasonCode     string
	MatchedRule    string
	MatchedPattern string // empty when no pattern matched (fallback or exit-code rule)
}

// EventDetails serializes classifier diagnostics for task events.
func (r Result) EventDetails(agent, model string) map[string]any {
	details := map[string]any{
		"classifier_version": Version,
		"resolved_agent":     agent,
		"resolved_model":     model,
		"reason_code":        r.ReasonCode,
		"matched_rule":       r.MatchedRule,
	}
	if r.MatchedPattern != "" {
		details["matched_pattern"] = r.MatchedPattern
	} else {
		details["matched_pattern"] = nil
	}
	return details
}

// Classify determines the retryability class of a non-timeout backend
// failure by searching fixed substring sets, in priority order, over the
// lowercased concatenation of stderr and stdout.
func Classify(agent string, exitCode int, stdout, stderr string, transientExitCodes []int) Result {
	haystack := normalizeText(stdout, stderr)

	if pattern, ok := firstMatch(haystack, billingOrQuotaPatterns); ok {
		return Result{
			FailureClass:   models.FailureClassBillingOrQuota,
			ReasonCode:     fmt.Sprintf("%s_billing_or_quota", agent),
			MatchedRule:    "billing_or_quota",
			MatchedPattern: pattern,
		}
	}

	if pattern, ok := firstMatch(haystack, accessOrAuthPatterns); ok {
		return Result{
			FailureClass:   models.FailureClassAccessOrAuth,
			ReasonCode:     fmt.Sprintf("%s_access_or_auth", agent),
			MatchedRule:    "access_or_auth",
			MatchedPattern: pattern,
		}
	}

	if pattern, ok := firstMatch(haystack, modelNotAvailablePatterns); ok {
		return Result{
			FailureClass:   models.FailureClassModelNotAvailable,
			ReasonCode:     fmt.Sprintf("%s_model_not_available", agent),
			MatchedRule:    "model_not_available",
			MatchedPattern: pattern,
		}
	}

	if pattern, ok := firstMatch(haystack, rateLimitTransientPatterns); ok {
		return Result{
			FailureClass:   models.FailureClassBackendTransient,
			ReasonCode:     fmt.Sprintf("%s_rate_limit_transient", agent),
			MatchedRule:    "rate_limit_transient",
			MatchedPattern: pattern,
		}
	}

	pattern, patternMatched := firstMatch(haystack, genericTransientPatterns)
	exitCodeTransient := containsInt(transientExitCodes, exitCode)
	if patternMatched || exitCodeTransient {
		rule := "generic_transient"
		if !patternMatched && exitCodeTransient {
			rule = "transient_exit_code"
		}
		return Result{
			FailureClass:   models.FailureClassBackendTransient,
			ReasonCode:     fmt.Sprintf("%s_backend_transient", agent),
			MatchedRule:    rule,
			MatchedPattern: pattern,
		}
	}

	return Result{
		FailureClass: models.FailureClassBackendNonRetryable,
		ReasonCode:   fmt.Sprintf("%s_backend_non_retryable", agent),
		MatchedRule:  "fallback_non_retryable",
	}
}

func normalizeText(stdout, stderr string) string {
	return strings.ToLower(stderr + "\n" + stdout)
}

func firstMatch(haystack string, patterns []string) (string, bool) {
	for _, pattern := range patterns {
		if strings.Contains(haystack, pattern) {
			return pattern, true
		}
	}
	return "", false
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
