package llm

import (
	"strings"

	"github.com/reveriehq/reverie/errors"
)

// classifyError maps a raw SDK error onto the engine taxonomy so the caller's
// retry policy can act on it.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if isBillingError(err) {
		return errors.InvalidArgument(provider+" billing or quota failure",
			errors.WithCause(err), errors.WithComponent("llm"))
	}
	if isRateLimitError(err) || isServerError(err) {
		return errors.UpstreamTransient(provider+" request failed",
			errors.WithCause(err), errors.WithComponent("llm"))
	}
	return errors.Wrap(err, provider+" request failed", errors.WithComponent("llm"))
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isBillingError checks if the error is a billing/payment/quota error
// (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402")
}
