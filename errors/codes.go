package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: embedding service timeout, generation service 5xx.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid k, dimension mismatch, conversation not found.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryMalformed indicates an upstream response that did not parse as
	// the expected structure. Retried a small fixed number of times with no
	// backoff, then the enrichment step is skipped.
	CategoryMalformed ErrorCategory = "malformed"

	// CategoryInternal indicates unexpected errors, bugs, or invariant
	// violations. Examples: a prompt exceeding its token ceiling.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryMalformed:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the failure taxonomy.
const (
	// Permanent errors: the turn is aborted before any external call.
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"        // Conversation/memory/clone absent
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT" // Bad k, dimension mismatch, malformed strategy
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"   // Duplicate row insert
	ErrCodeCanceled        ErrorCode = "CANCELED"         // Operation was canceled by the caller

	// Transient upstream errors: retried with exponential backoff.
	ErrCodeUpstreamTransient ErrorCode = "UPSTREAM_TRANSIENT" // Embedding/generation/rerank timeout or 5xx
	ErrCodeTimeout           ErrorCode = "TIMEOUT"            // Operation timed out
	ErrCodeStoreBusy         ErrorCode = "STORE_BUSY"         // Datastore lock contention

	// Malformed upstream errors: retried fast with zero backoff.
	ErrCodeUpstreamMalformed ErrorCode = "UPSTREAM_MALFORMED" // Response failed to parse as expected structure

	// Internal errors.
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED" // Assembled prompt over ceiling; invariant violation
	ErrCodeInternal       ErrorCode = "INTERNAL"        // Unexpected internal error
	ErrCodeCorruption     ErrorCode = "CORRUPTION"      // Counter drift or broken provenance detected
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeNotFound, ErrCodeInvalidArgument, ErrCodeAlreadyExists, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeUpstreamTransient, ErrCodeTimeout, ErrCodeStoreBusy:
		return CategoryTransient
	case ErrCodeUpstreamMalformed:
		return CategoryMalformed
	case ErrCodeBudgetExceeded, ErrCodeInternal, ErrCodeCorruption:
		return CategoryInternal
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeNotFound:          "resource not found",
	ErrCodeInvalidArgument:   "invalid argument provided",
	ErrCodeAlreadyExists:     "resource already exists",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeUpstreamTransient: "upstream service temporarily unavailable",
	ErrCodeTimeout:           "operation timed out",
	ErrCodeStoreBusy:         "datastore is busy",
	ErrCodeUpstreamMalformed: "upstream response failed to parse",
	ErrCodeBudgetExceeded:    "prompt token budget exceeded",
	ErrCodeInternal:          "internal error",
	ErrCodeCorruption:        "data corruption detected",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
